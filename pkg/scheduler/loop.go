package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"pewcron/pkg/executor"
	"pewcron/pkg/job"
	"pewcron/pkg/logx"
	"pewcron/pkg/trigger"
)

// loop is the control loop. It runs under the supervisor, which restarts
// it after a panic.
func (s *Scheduler) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		paused := s.state == StatePaused
		s.sleeping, s.wakeAt = paused, time.Time{}
		s.mu.Unlock()

		if paused {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			}
			continue
		}

		next := s.processDueJobs(ctx)

		s.mu.Lock()
		s.sleeping, s.wakeAt = true, next
		s.mu.Unlock()

		if !s.sleep(ctx, next) {
			return nil
		}
	}
}

// sleep blocks until next, a wake signal or cancellation. A zero next
// sleeps until signaled. It reports false when ctx is done.
func (s *Scheduler) sleep(ctx context.Context, next time.Time) bool {
	if next.IsZero() {
		s.log.Trace("sleeping until woken")
		select {
		case <-ctx.Done():
			return false
		case <-s.wake:
			return true
		}
	}

	d := next.Sub(s.now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	s.log.Trace("sleeping", logx.Time("until", next), logx.Duration("for", d))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
	case <-t.C:
	}
	return true
}

type dueJob struct {
	store *storeEntry
	id    string
	at    time.Time
}

// processDueJobs runs one pass over every store and returns the next
// wakeup time, zero when nothing is pending.
func (s *Scheduler) processDueJobs(ctx context.Context) time.Time {
	now := s.now()
	entries := s.storeEntries()
	failed := false

	var due []dueJob
	for _, e := range entries {
		st, err := e.get(ctx)
		if err == nil {
			var jobs []job.Job
			jobs, err = st.DueJobs(ctx, now)
			for _, j := range jobs {
				due = append(due, dueJob{store: e, id: j.ID, at: j.NextRunTime})
			}
		}
		if err != nil {
			s.storeFailed(e.name, err)
			failed = true
		}
	}
	sort.SliceStable(due, func(i, k int) bool {
		a, b := due[i], due[k]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		if a.id != b.id {
			return a.id < b.id
		}
		return a.store.name < b.store.name
	})

	for _, d := range due {
		if ctx.Err() != nil {
			return time.Time{}
		}
		if err := s.processJob(ctx, d.store, d.id, now); err != nil {
			s.storeFailed(d.store.name, err)
			failed = true
		}
	}

	var next time.Time
	for _, e := range entries {
		st, err := e.get(ctx)
		var t time.Time
		if err == nil {
			t, err = st.NextRunTime(ctx)
		}
		if err != nil {
			if !failed {
				s.storeFailed(e.name, err)
			}
			failed = true
			continue
		}
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}

	retry := s.now().Add(s.cfg.StoreRetryInterval)
	switch {
	case failed:
		if next.IsZero() || retry.Before(next) {
			next = retry
		}
	case len(due) == 0 && !next.IsZero() && !next.After(now):
		// A store reports a due run time but returned no job for it,
		// typically an undecodable record.
		s.log.Warn("store reports due jobs it cannot load", logx.Time("next_run_time", next))
		next = retry
	}
	return next
}

// processJob handles one due job under its key lock: it advances the
// schedule, persists it and then submits the retained runs.
func (s *Scheduler) processJob(ctx context.Context, e *storeEntry, id string, now time.Time) error {
	unlock := s.keys.lock(id)
	defer unlock()

	st, err := e.get(ctx)
	if err != nil {
		return err
	}
	j, err := st.LookupJob(ctx, id)
	if errors.Is(err, job.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if j.Paused() || j.NextRunTime.After(now) {
		return nil
	}
	log := s.log.With(logx.String("job_id", j.ID), logx.String("store", e.name))

	fn, lerr := s.registry.Lookup(j.FuncRef)
	if lerr != nil {
		log.Error("job func lookup failed, pausing job", logx.String("func", j.FuncRef), logx.Err(lerr))
		s.publish(EventJobLookupFailed, Event{JobID: j.ID, JobStore: e.name, Executor: j.Executor, RunTime: j.NextRunTime, Err: lerr})
		j.NextRunTime = time.Time{}
		return ignoreNotFound(st.UpdateJob(ctx, j))
	}

	runs, missed, next := s.runTimes(j, now)
	for _, rt := range missed {
		log.Warn("job run missed", logx.Time("run_time", rt))
		s.publish(EventJobMissed, Event{JobID: j.ID, JobStore: e.name, Executor: j.Executor, RunTime: rt, Err: job.ErrMisfire})
	}

	// Persist before submitting so a crash cannot replay these runs.
	if next.IsZero() {
		if err := ignoreNotFound(st.RemoveJob(ctx, j.ID)); err != nil {
			return err
		}
		log.Debug("job trigger exhausted, removed")
		s.publish(EventJobRemoved, Event{JobID: j.ID, JobStore: e.name})
	} else {
		upd := j
		upd.NextRunTime = next
		if err := st.UpdateJob(ctx, upd); err != nil {
			if errors.Is(err, job.ErrJobNotFound) {
				return nil
			}
			return err
		}
	}

	ex, ok := s.Executor(j.Executor)
	if !ok {
		log.Error("job routed to unknown executor", logx.String("executor", j.Executor))
		s.publish(EventJobLookupFailed, Event{JobID: j.ID, JobStore: e.name, Executor: j.Executor, RunTime: runs[len(runs)-1], Err: ErrUnknownExecutor})
		return nil
	}

	for _, rt := range runs {
		ev := Event{JobID: j.ID, JobStore: e.name, Executor: j.Executor, RunTime: rt}
		if late := now.Sub(rt); j.MisfireGraceTime >= 0 && late > j.MisfireGraceTime {
			log.Warn("job misfired", logx.Time("run_time", rt), logx.Duration("late", late))
			mev := ev
			mev.Err = job.ErrMisfire
			s.publish(EventJobMisfired, mev)
		}
		if n := ex.Running(j.ID); n >= j.MaxInstances {
			log.Warn("job run skipped, max instances reached", logx.Time("run_time", rt), logx.Int("running", n), logx.Int("max", j.MaxInstances))
			mev := ev
			mev.Err = job.ErrMaxInstancesReached
			s.publish(EventJobMaxInstances, mev)
			continue
		}
		c := j.Clone()
		ex.Submit(executor.Run{
			JobID:   j.ID,
			Name:    j.Name,
			FuncRef: j.FuncRef,
			Func:    fn,
			Args:    c.Args,
			Kwargs:  c.Kwargs,
			RunTime: rt,
		})
		log.Debug("job submitted", logx.Time("run_time", rt), logx.String("executor", j.Executor))
		s.publish(EventJobSubmitted, ev)
	}
	return nil
}

// runTimes walks the trigger from the job's due time up to now. It
// returns the runs to submit, the runs dropped by the backlog bound and the
// following fire time (zero when the trigger is exhausted).
func (s *Scheduler) runTimes(j job.Job, now time.Time) (runs, missed []time.Time, next time.Time) {
	cur := j.NextRunTime
	var all []time.Time
	var last time.Time
	scanned := 0
	for !cur.IsZero() && !cur.After(now) {
		if scanned >= s.cfg.MaxScan {
			break
		}
		scanned++
		last = cur
		if !j.Coalesce {
			all = append(all, cur)
		}
		cur = j.Trigger.NextFireTime(cur, now)
	}
	next = cur

	if !next.IsZero() && !next.After(now) {
		// Scan capped: jump to the occurrences closest to now.
		keep := 1
		if !j.Coalesce {
			keep = s.cfg.MaxBacklog
		}
		tail := trigger.Latest(j.Trigger, last, now, keep, s.cfg.MaxScan)
		s.log.Warn("job backlog scan capped",
			logx.String("job_id", j.ID), logx.Int("max_scan", s.cfg.MaxScan), logx.Time("resume_from", tail[0]))
		last = tail[len(tail)-1]
		if next = j.Trigger.NextFireTime(last, now); !next.IsZero() && !next.After(now) {
			next = j.Trigger.NextFireTime(now, now)
		}
		if !j.Coalesce {
			cut := len(all)
			for cut > 0 && !all[cut-1].Before(tail[0]) {
				cut--
			}
			return tail, all[:cut], next
		}
	}

	switch {
	case last.IsZero():
	case j.Coalesce:
		runs = []time.Time{last}
	case len(all) > s.cfg.MaxBacklog:
		cut := len(all) - s.cfg.MaxBacklog
		missed, runs = all[:cut], all[cut:]
	default:
		runs = all
	}
	return runs, missed, next
}

func ignoreNotFound(err error) error {
	if errors.Is(err, job.ErrJobNotFound) {
		return nil
	}
	return err
}
