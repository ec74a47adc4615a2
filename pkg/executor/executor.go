// Package executor runs job bodies and reports exactly one Outcome per
// submitted Run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pewcron/pkg/job"
)

// Rejection reasons reported in Outcome.Reason.
const (
	ReasonQueueFull   = "queue_full"
	ReasonStopped     = "stopped"
	ReasonStale       = "stale"
	ReasonCircuitOpen = "circuit_open"
)

var (
	ErrRejected       = errors.New("executor: run rejected")
	ErrAlreadyStarted = errors.New("executor: already started")
)

// Run is one scheduled invocation of a job.
type Run struct {
	JobID   string
	Name    string
	FuncRef string
	Func    job.Func
	Args    []any
	Kwargs  map[string]any
	RunTime time.Time
}

type Kind int

const (
	Success Kind = iota
	Failure
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome reports how a Run ended. Err is a *job.ExecutionError for
// failures and wraps ErrRejected for rejections.
type Outcome struct {
	Kind     Kind
	Run      Run
	Value    any
	Err      error
	Reason   string
	Attempts int
	Started  time.Time
	Finished time.Time
}

// Callback receives outcomes. It may be called from any goroutine and
// must not block for long.
type Callback func(Outcome)

// Executor runs submitted jobs.
//
// Submit never blocks on the job body of another run and never fails
// synchronously: problems are reported as a Rejected outcome. The
// instance count seen by Running includes a run from the moment Submit is
// called until just before its outcome is delivered.
type Executor interface {
	Start(ctx context.Context, cb Callback) error
	Submit(r Run)
	Running(jobID string) int
	Shutdown(ctx context.Context, wait bool) error
}

func rejection(r Run, reason string, at time.Time) Outcome {
	return Outcome{
		Kind:     Rejected,
		Run:      r,
		Err:      fmt.Errorf("%w: %s", ErrRejected, reason),
		Reason:   reason,
		Started:  at,
		Finished: at,
	}
}

// instances counts in-flight runs per job id.
type instances struct {
	mu sync.Mutex
	m  map[string]int
}

func (c *instances) inc(id string) {
	c.mu.Lock()
	if c.m == nil {
		c.m = map[string]int{}
	}
	c.m[id]++
	c.mu.Unlock()
}

func (c *instances) dec(id string) {
	c.mu.Lock()
	if c.m[id] <= 1 {
		delete(c.m, id)
	} else {
		c.m[id]--
	}
	c.mu.Unlock()
}

func (c *instances) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[id]
}

func (c *instances) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.m {
		n += v
	}
	return n
}
