package app

import (
	"context"
	"time"

	"pewcron/internal/runtime/supervisor"
	"pewcron/pkg/executor"
)

// Snapshot is served at /debug/jobs.
type Snapshot struct {
	State     string                  `json:"state"`
	Uptime    string                  `json:"uptime"`
	Stores    []string                `json:"jobstores"`
	Jobs      []JobView               `json:"jobs"`
	Executors map[string]ExecutorView `json:"executors"`
	Loop      []supervisor.Stats      `json:"loop,omitempty"`
	App       []supervisor.Stats      `json:"app,omitempty"`

	AlertsDropped uint64 `json:"alerts_dropped"`
	EventsDropped uint64 `json:"events_dropped"`
}

type JobView struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Func        string       `json:"func"`
	Trigger     string       `json:"trigger"`
	JobStore    string       `json:"jobstore"`
	Executor    string       `json:"executor"`
	NextRunTime time.Time    `json:"next_run_time,omitzero"`
	Paused      bool         `json:"paused"`
	Running     int          `json:"running"`
	LastOutcome *OutcomeView `json:"last_outcome,omitempty"`
}

type OutcomeView struct {
	Kind     string    `json:"kind"`
	RunTime  time.Time `json:"run_time"`
	Finished time.Time `json:"finished,omitzero"`
	Attempts int       `json:"attempts,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type ExecutorView struct {
	Stats   *executor.PoolStats    `json:"stats,omitempty"`
	History []executor.HistoryItem `json:"history,omitempty"`
}

type poolIntrospector interface {
	Stats() executor.PoolStats
	History() []executor.HistoryItem
}

func (a *App) snapshot(ctx context.Context) (any, error) {
	seq, err := a.sched.Jobs(ctx, "")
	if err != nil {
		return nil, err
	}
	out := Snapshot{
		State:         a.sched.State().String(),
		Uptime:        time.Since(a.startedAt).Round(time.Second).String(),
		Stores:        a.sched.JobStoreNames(),
		Jobs:          []JobView{},
		Executors:     map[string]ExecutorView{},
		Loop:          a.sched.LoopStats(),
		AlertsDropped: a.logs.Dropped(),
		EventsDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		out.App = a.sup.Snapshot()
	}

	for j := range seq {
		v := JobView{
			ID:          j.ID,
			Name:        j.Name,
			Func:        j.FuncRef,
			Trigger:     j.Trigger.String(),
			JobStore:    j.JobStore,
			Executor:    j.Executor,
			NextRunTime: j.NextRunTime,
			Paused:      j.Paused(),
		}
		if ex, ok := a.sched.Executor(j.Executor); ok {
			v.Running = ex.Running(j.ID)
		}
		if o, ok := a.sched.LastOutcome(j.ID); ok {
			ov := &OutcomeView{
				Kind:     o.Kind.String(),
				RunTime:  o.Run.RunTime,
				Finished: o.Finished,
				Attempts: o.Attempts,
				Reason:   o.Reason,
			}
			if o.Err != nil {
				ov.Error = o.Err.Error()
			}
			v.LastOutcome = ov
		}
		out.Jobs = append(out.Jobs, v)
	}

	for _, name := range a.sched.ExecutorNames() {
		ex, ok := a.sched.Executor(name)
		if !ok {
			continue
		}
		var v ExecutorView
		if p, ok := ex.(poolIntrospector); ok {
			st := p.Stats()
			v.Stats = &st
			v.History = p.History()
		}
		out.Executors[name] = v
	}
	return out, nil
}
