package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"pewcron/internal/config"
	"pewcron/pkg/job"
	"pewcron/pkg/logx"
	"pewcron/pkg/scheduler"
)

// jobSpec maps a config job onto a scheduler spec. Store and executor
// names fall back to "default".
func jobSpec(jc config.JobConfig, loc *time.Location) (scheduler.JobSpec, error) {
	tr, err := config.JobTrigger(jc, loc)
	if err != nil {
		return scheduler.JobSpec{}, fmt.Errorf("job %q: %w", jc.ID, err)
	}
	spec := scheduler.JobSpec{
		ID:           jc.ID,
		Name:         jc.Name,
		FuncRef:      jc.Func,
		Trigger:      tr,
		Args:         jc.Args,
		Kwargs:       jc.Kwargs,
		Executor:     orDefault(jc.Executor),
		JobStore:     orDefault(jc.JobStore),
		Coalesce:     jc.Coalesce,
		MaxInstances: jc.MaxInstances,
		Paused:       jc.Paused,
		Conflict:     scheduler.ConflictReplace,
	}
	grace, ok, err := config.ParseGraceTime("jobs."+jc.ID+".misfire_grace_time", jc.MisfireGraceTime)
	if err != nil {
		return scheduler.JobSpec{}, err
	}
	if ok {
		spec.MisfireGraceTime = &grace
	}
	return spec, nil
}

func orDefault(name string) string {
	if name == "" {
		return config.DefaultName
	}
	return name
}

// sameDefinition reports whether the stored job already matches spec, so
// applying it again would only reset its schedule. A job paused at runtime
// still matches an unpaused entry: the config can pause a job but a reload
// never resumes one that an operator paused.
func sameDefinition(cur job.Job, spec scheduler.JobSpec, defaults scheduler.JobDefaults) bool {
	args, err := job.NormalizeArgs(spec.Args)
	if err != nil {
		return false
	}
	kwargs, err := job.NormalizeKwargs(spec.Kwargs)
	if err != nil {
		return false
	}
	name := spec.Name
	if name == "" {
		name = spec.FuncRef
	}
	grace := defaults.MisfireGraceTime
	if spec.MisfireGraceTime != nil {
		grace = *spec.MisfireGraceTime
	}
	coalesce := defaults.Coalesce
	if spec.Coalesce != nil {
		coalesce = *spec.Coalesce
	}
	maxInst := defaults.MaxInstances
	if spec.MaxInstances > 0 {
		maxInst = spec.MaxInstances
	}
	switch {
	case cur.Name != name, cur.FuncRef != spec.FuncRef:
		return false
	case cur.Executor != spec.Executor, cur.JobStore != spec.JobStore:
		return false
	case cur.MisfireGraceTime != grace, cur.Coalesce != coalesce, cur.MaxInstances != maxInst:
		return false
	case spec.Paused && !cur.Paused():
		return false
	case !reflect.DeepEqual(cur.Trigger.Spec(), spec.Trigger.Spec()):
		return false
	}
	return reflect.DeepEqual(cur.Args, args) && reflect.DeepEqual(cur.Kwargs, kwargs)
}

// reconciler applies the jobs declared in the config file.
type reconciler struct {
	sched *scheduler.Scheduler
	log   logx.Logger
}

// apply adds or replaces every declared job and removes the ids in drop.
// Jobs whose stored definition already matches are left alone so their
// pending run time (and any backlog) survives restarts and reloads.
func (r reconciler) apply(ctx context.Context, jobs []config.JobConfig, drop []string) error {
	var errs []error
	for _, id := range drop {
		err := r.sched.RemoveJob(ctx, id)
		switch {
		case err == nil:
			r.log.Info("config job removed", logx.String("job_id", id))
		case !errors.Is(err, job.ErrJobNotFound):
			errs = append(errs, fmt.Errorf("remove job %q: %w", id, err))
		}
	}

	defaults := r.sched.Config().JobDefaults
	for _, jc := range jobs {
		spec, err := jobSpec(jc, r.sched.Location())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cur, err := r.sched.GetJob(ctx, jc.ID)
		switch {
		case err == nil && sameDefinition(cur, spec, defaults):
			if cur.Paused() && !spec.Paused {
				r.log.Info("config job kept paused; resume it explicitly",
					logx.String("job_id", jc.ID))
			}
			continue
		case err == nil && cur.JobStore != spec.JobStore:
			// Moving stores: a replace would only touch the target store.
			if err := r.sched.RemoveJob(ctx, jc.ID); err != nil && !errors.Is(err, job.ErrJobNotFound) {
				errs = append(errs, fmt.Errorf("move job %q: %w", jc.ID, err))
				continue
			}
		case err != nil && !errors.Is(err, job.ErrJobNotFound):
			errs = append(errs, fmt.Errorf("lookup job %q: %w", jc.ID, err))
			continue
		}
		if _, err := r.sched.AddJob(ctx, spec); err != nil {
			errs = append(errs, fmt.Errorf("apply job %q: %w", jc.ID, err))
		}
	}
	return errors.Join(errs...)
}

// undeclared lists stored job ids that the config does not declare.
func (r reconciler) undeclared(ctx context.Context, jobs []config.JobConfig) ([]string, error) {
	declared := make(map[string]bool, len(jobs))
	for _, jc := range jobs {
		declared[jc.ID] = true
	}
	seq, err := r.sched.Jobs(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []string
	for j := range seq {
		if !declared[j.ID] {
			out = append(out, j.ID)
		}
	}
	return out, nil
}
