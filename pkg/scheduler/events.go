package scheduler

import (
	"time"

	"pewcron/pkg/eventbus"
)

// Event types published on the bus. Payloads are Event values.
const (
	EventStarted  = "scheduler.started"
	EventPaused   = "scheduler.paused"
	EventResumed  = "scheduler.resumed"
	EventShutdown = "scheduler.shutdown"

	EventJobStoreAdded       = "jobstore.added"
	EventJobStoreRemoved     = "jobstore.removed"
	EventJobStoreUnavailable = "jobstore.unavailable"
	// Published by store owners through OnDecodeError hooks.
	EventJobStoreDecodeFailed = "jobstore.decode_failed"

	EventExecutorAdded   = "executor.added"
	EventExecutorRemoved = "executor.removed"

	EventJobAdded        = "job.added"
	EventJobModified     = "job.modified"
	EventJobRemoved      = "job.removed"
	EventJobSubmitted    = "job.submitted"
	EventJobExecuted     = "job.executed"
	EventJobFailed       = "job.failed"
	EventJobRejected     = "job.rejected"
	EventJobMisfired     = "job.misfired"
	EventJobMissed       = "job.missed"
	EventJobMaxInstances = "job.max_instances"
	EventJobLookupFailed = "job.lookup_failed"
)

// Event is the payload of every scheduler event. Fields that do not apply
// to a type are left empty.
type Event struct {
	JobID    string
	JobStore string
	Executor string
	RunTime  time.Time
	Value    any
	Err      error
}

func (s *Scheduler) publish(typ string, ev Event) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
