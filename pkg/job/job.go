// Package job defines the scheduled job model shared by the scheduler,
// stores, executors and codecs.
package job

import (
	"fmt"
	"time"

	"pewcron/pkg/trigger"
)

// Job is a scheduled unit of work. Values are copied between the engine
// and its stores; use Clone before mutating a job obtained elsewhere.
type Job struct {
	ID      string
	Name    string
	FuncRef string
	Trigger trigger.Trigger
	Args    []any
	Kwargs  map[string]any

	Executor string
	JobStore string

	// NextRunTime is zero while the job is paused.
	NextRunTime time.Time

	// MisfireGraceTime is how late a run may start and still count as on
	// time. Negative means no limit.
	MisfireGraceTime time.Duration
	Coalesce         bool
	MaxInstances     int
}

// Paused reports whether the job has no pending run time.
func (j Job) Paused() bool { return j.NextRunTime.IsZero() }

// Clone deep-copies the argument trees. Triggers are immutable and shared.
func (j Job) Clone() Job {
	j.Args = cloneArgs(j.Args)
	j.Kwargs = cloneKwargs(j.Kwargs)
	return j
}

// Validate checks the fields every store relies on.
func (j Job) Validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("job: empty id")
	case j.FuncRef == "":
		return fmt.Errorf("job %q: empty func ref", j.ID)
	case j.Trigger == nil:
		return fmt.Errorf("job %q: nil trigger", j.ID)
	case j.MaxInstances < 1:
		return fmt.Errorf("job %q: max instances must be >= 1, got %d", j.ID, j.MaxInstances)
	}
	return nil
}

// Less orders jobs by next run time, paused jobs last, then by id.
func Less(a, b Job) bool {
	switch {
	case a.Paused() != b.Paused():
		return !a.Paused()
	case !a.NextRunTime.Equal(b.NextRunTime):
		return a.NextRunTime.Before(b.NextRunTime)
	default:
		return a.ID < b.ID
	}
}

func (j Job) String() string {
	next := "paused"
	if !j.Paused() {
		next = "next run at " + j.NextRunTime.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s (trigger: %s, %s)", j.ID, j.Trigger, next)
}
