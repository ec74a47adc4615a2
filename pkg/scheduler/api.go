package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"pewcron/pkg/job"
	"pewcron/pkg/jobstore"
	"pewcron/pkg/logx"
	"pewcron/pkg/trigger"
)

// JobSpec describes a job to add. Unset fields take the engine defaults.
type JobSpec struct {
	// ID is generated when empty.
	ID      string
	Name    string
	FuncRef string
	Trigger trigger.Trigger
	Args    []any
	Kwargs  map[string]any

	Executor string
	JobStore string

	MisfireGraceTime *time.Duration
	Coalesce         *bool
	MaxInstances     int

	// Paused adds the job without a pending run time.
	Paused   bool
	Conflict ConflictPolicy
}

// JobChanges lists the fields ModifyJob may change. Nil fields are left
// alone; a non-nil empty Args or Kwargs clears them.
type JobChanges struct {
	Name             *string
	Args             []any
	Kwargs           map[string]any
	Executor         *string
	MisfireGraceTime *time.Duration
	Coalesce         *bool
	MaxInstances     *int
}

// AddJob validates spec, computes the first run time and persists the job.
func (s *Scheduler) AddJob(ctx context.Context, spec JobSpec) (job.Job, error) {
	j, err := s.buildJob(spec)
	if err != nil {
		return job.Job{}, err
	}
	e, err := s.storeEntry(j.JobStore)
	if err != nil {
		return job.Job{}, err
	}
	if !spec.Paused {
		if j.NextRunTime = j.Trigger.NextFireTime(time.Time{}, s.now()); j.NextRunTime.IsZero() {
			return job.Job{}, fmt.Errorf("%w: job %q (%s)", ErrTriggerExhausted, j.ID, j.Trigger)
		}
	}

	unlock := s.keys.lock(j.ID)
	defer unlock()

	st, err := e.get(ctx)
	if err != nil {
		return job.Job{}, err
	}
	evType := EventJobAdded
	err = st.AddJob(ctx, j)
	if errors.Is(err, job.ErrConflictingID) {
		switch spec.Conflict {
		case ConflictReplace:
			err = st.UpdateJob(ctx, j)
			evType = EventJobModified
		case ConflictKeep:
			return st.LookupJob(ctx, j.ID)
		}
	}
	if err != nil {
		return job.Job{}, err
	}

	s.log.Info("job added", logx.String("job_id", j.ID), logx.String("store", j.JobStore), logx.String("trigger", j.Trigger.String()), logx.Time("next_run_time", j.NextRunTime))
	s.publish(evType, Event{JobID: j.ID, JobStore: j.JobStore, Executor: j.Executor, RunTime: j.NextRunTime})
	s.notify(j.NextRunTime)
	return j, nil
}

func (s *Scheduler) buildJob(spec JobSpec) (job.Job, error) {
	if spec.Trigger == nil {
		return job.Job{}, fmt.Errorf("scheduler: add job: nil trigger")
	}
	ref := strings.TrimSpace(spec.FuncRef)
	if _, err := s.registry.Lookup(ref); err != nil {
		return job.Job{}, err
	}
	args, err := job.NormalizeArgs(spec.Args)
	if err != nil {
		return job.Job{}, err
	}
	kwargs, err := job.NormalizeKwargs(spec.Kwargs)
	if err != nil {
		return job.Job{}, err
	}

	def := s.cfg.JobDefaults
	j := job.Job{
		ID:               spec.ID,
		Name:             spec.Name,
		FuncRef:          ref,
		Trigger:          spec.Trigger,
		Args:             args,
		Kwargs:           kwargs,
		Executor:         spec.Executor,
		JobStore:         spec.JobStore,
		MisfireGraceTime: def.MisfireGraceTime,
		Coalesce:         def.Coalesce,
		MaxInstances:     def.MaxInstances,
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Name == "" {
		j.Name = ref
	}
	if j.Executor == "" {
		j.Executor = s.cfg.DefaultExecutor
	}
	if j.JobStore == "" {
		j.JobStore = s.cfg.DefaultJobStore
	}
	if spec.MisfireGraceTime != nil {
		j.MisfireGraceTime = *spec.MisfireGraceTime
	}
	if spec.Coalesce != nil {
		j.Coalesce = *spec.Coalesce
	}
	if spec.MaxInstances != 0 {
		j.MaxInstances = spec.MaxInstances
	}
	if _, ok := s.Executor(j.Executor); !ok {
		return job.Job{}, fmt.Errorf("%w: %q", ErrUnknownExecutor, j.Executor)
	}
	if err := j.Validate(); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

// RescheduleJob replaces the trigger and recomputes the next run time. A
// trigger without fire times leaves the job unchanged and fails with
// ErrTriggerExhausted.
func (s *Scheduler) RescheduleJob(ctx context.Context, id string, tr trigger.Trigger) (job.Job, error) {
	if tr == nil {
		return job.Job{}, fmt.Errorf("scheduler: reschedule %q: nil trigger", id)
	}
	return s.update(ctx, id, func(j *job.Job) error {
		next := tr.NextFireTime(time.Time{}, s.now())
		if next.IsZero() {
			return fmt.Errorf("%w: job %q (%s)", ErrTriggerExhausted, id, tr)
		}
		j.Trigger, j.NextRunTime = tr, next
		return nil
	})
}

// ModifyJob changes job attributes other than the id, the store, the
// trigger and the run time.
func (s *Scheduler) ModifyJob(ctx context.Context, id string, ch JobChanges) (job.Job, error) {
	var args []any
	var kwargs map[string]any
	var err error
	if ch.Args != nil {
		if args, err = job.NormalizeArgs(ch.Args); err != nil {
			return job.Job{}, err
		}
	}
	if ch.Kwargs != nil {
		if kwargs, err = job.NormalizeKwargs(ch.Kwargs); err != nil {
			return job.Job{}, err
		}
	}
	if ch.Executor != nil {
		if _, ok := s.Executor(*ch.Executor); !ok {
			return job.Job{}, fmt.Errorf("%w: %q", ErrUnknownExecutor, *ch.Executor)
		}
	}

	return s.update(ctx, id, func(j *job.Job) error {
		if ch.Name != nil {
			j.Name = *ch.Name
		}
		if ch.Args != nil {
			j.Args = args
		}
		if ch.Kwargs != nil {
			j.Kwargs = kwargs
		}
		if ch.Executor != nil {
			j.Executor = *ch.Executor
		}
		if ch.MisfireGraceTime != nil {
			j.MisfireGraceTime = *ch.MisfireGraceTime
		}
		if ch.Coalesce != nil {
			j.Coalesce = *ch.Coalesce
		}
		if ch.MaxInstances != nil {
			j.MaxInstances = *ch.MaxInstances
		}
		return j.Validate()
	})
}

// PauseJob clears the next run time. The job stays stored.
func (s *Scheduler) PauseJob(ctx context.Context, id string) (job.Job, error) {
	return s.update(ctx, id, func(j *job.Job) error {
		j.NextRunTime = time.Time{}
		return nil
	})
}

// ResumeJob recomputes the next run time from now. A job whose trigger
// has no fire times left is removed; the returned job is then paused.
func (s *Scheduler) ResumeJob(ctx context.Context, id string) (job.Job, error) {
	e, j, err := s.find(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	unlock := s.keys.lock(id)
	defer unlock()

	st, err := e.get(ctx)
	if err != nil {
		return job.Job{}, err
	}
	if j, err = st.LookupJob(ctx, id); err != nil {
		return job.Job{}, err
	}
	j.NextRunTime = j.Trigger.NextFireTime(time.Time{}, s.now())
	if j.NextRunTime.IsZero() {
		if err := st.RemoveJob(ctx, id); err != nil {
			return job.Job{}, err
		}
		s.forgetOutcome(id)
		s.log.Info("resumed job has no fire times left, removed", logx.String("job_id", id))
		s.publish(EventJobRemoved, Event{JobID: id, JobStore: e.name})
		return j, nil
	}
	if err := st.UpdateJob(ctx, j); err != nil {
		return job.Job{}, err
	}
	s.publish(EventJobModified, Event{JobID: id, JobStore: e.name, Executor: j.Executor, RunTime: j.NextRunTime})
	s.notify(j.NextRunTime)
	return j, nil
}

// RemoveJob deletes the job from the first store holding it.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	e, _, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	unlock := s.keys.lock(id)
	defer unlock()

	st, err := e.get(ctx)
	if err != nil {
		return err
	}
	if err := st.RemoveJob(ctx, id); err != nil {
		return err
	}
	s.forgetOutcome(id)
	s.log.Info("job removed", logx.String("job_id", id), logx.String("store", e.name))
	s.publish(EventJobRemoved, Event{JobID: id, JobStore: e.name})
	return nil
}

// RemoveAllJobs empties one store, or every store when name is empty.
func (s *Scheduler) RemoveAllJobs(ctx context.Context, name string) error {
	entries, err := s.selectStores(name)
	if err != nil {
		return err
	}
	for _, e := range entries {
		st, err := e.get(ctx)
		if err != nil {
			return err
		}
		if err := st.RemoveAllJobs(ctx); err != nil {
			return err
		}
		s.log.Info("all jobs removed", logx.String("store", e.name))
		s.publish(EventJobRemoved, Event{JobStore: e.name})
	}
	s.mu.Lock()
	if name == "" {
		clear(s.outcomes)
	}
	s.mu.Unlock()
	return nil
}

// GetJob returns the job from the first store (by name) holding it.
func (s *Scheduler) GetJob(ctx context.Context, id string) (job.Job, error) {
	_, j, err := s.find(ctx, id)
	return j, err
}

// Jobs returns a sequence over a point-in-time copy of the jobs in one
// store, or in every store when name is empty. The sequence can be ranged
// over repeatedly and never observes later mutations.
func (s *Scheduler) Jobs(ctx context.Context, name string) (iter.Seq[job.Job], error) {
	entries, err := s.selectStores(name)
	if err != nil {
		return nil, err
	}
	var snapshot []job.Job
	for _, e := range entries {
		st, err := e.get(ctx)
		if err != nil {
			return nil, err
		}
		jobs, err := st.Jobs(ctx)
		if err != nil {
			return nil, err
		}
		snapshot = append(snapshot, jobs...)
	}
	sort.SliceStable(snapshot, func(i, k int) bool { return job.Less(snapshot[i], snapshot[k]) })

	return func(yield func(job.Job) bool) {
		for _, j := range snapshot {
			if !yield(j.Clone()) {
				return
			}
		}
	}, nil
}

func (s *Scheduler) selectStores(name string) ([]*storeEntry, error) {
	if name == "" {
		return s.storeEntries(), nil
	}
	e, err := s.storeEntry(name)
	if err != nil {
		return nil, err
	}
	return []*storeEntry{e}, nil
}

// find searches the stores in name order.
func (s *Scheduler) find(ctx context.Context, id string) (*storeEntry, job.Job, error) {
	for _, e := range s.storeEntries() {
		st, err := e.get(ctx)
		if err != nil {
			return nil, job.Job{}, err
		}
		j, err := st.LookupJob(ctx, id)
		if errors.Is(err, job.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, job.Job{}, err
		}
		return e, j, nil
	}
	return nil, job.Job{}, job.NotFound(id)
}

// update runs a read-modify-write cycle under the job's key lock.
func (s *Scheduler) update(ctx context.Context, id string, mutate func(j *job.Job) error) (job.Job, error) {
	e, _, err := s.find(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	unlock := s.keys.lock(id)
	defer unlock()

	st, err := e.get(ctx)
	if err != nil {
		return job.Job{}, err
	}
	j, err := st.LookupJob(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if err := mutate(&j); err != nil {
		return job.Job{}, err
	}
	if err := st.UpdateJob(ctx, j); err != nil {
		return job.Job{}, jobstore.Unavailable(e.name, "update job", err)
	}

	s.log.Debug("job modified", logx.String("job_id", id), logx.String("store", e.name))
	s.publish(EventJobModified, Event{JobID: id, JobStore: e.name, Executor: j.Executor, RunTime: j.NextRunTime})
	s.notify(j.NextRunTime)
	return j, nil
}
