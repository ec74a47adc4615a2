package executor

import (
	"context"
	"sync"
	"time"

	"pewcron/pkg/logx"
)

var _ Executor = (*Inline)(nil)

// Inline runs each job body on the submitting goroutine. It suits tests
// and debugging; a slow job stalls the scheduler loop.
type Inline struct {
	log    logx.Logger
	runner runner
	count  instances

	mu      sync.Mutex
	ctx     context.Context
	cb      Callback
	stopped bool
}

type InlineConfig struct {
	DefaultTimeout time.Duration
	Middleware     []Middleware
}

func NewInline(cfg InlineConfig, log logx.Logger) *Inline {
	return &Inline{
		log:     log,
		runner:  newRunner(log, cfg.DefaultTimeout, cfg.Middleware),
		stopped: true,
	}
}

func (e *Inline) Start(ctx context.Context, cb Callback) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopped {
		return ErrAlreadyStarted
	}
	e.ctx = ctx
	e.cb = cb
	e.stopped = false
	return nil
}

func (e *Inline) Submit(r Run) {
	e.count.inc(r.JobID)
	e.mu.Lock()
	ctx, cb, stopped := e.ctx, e.cb, e.stopped
	e.mu.Unlock()

	if stopped {
		e.finish(cb, rejection(r, ReasonStopped, time.Now()))
		return
	}
	started := time.Now()
	v, err := e.runner.call(ctx, r)
	out := Outcome{Kind: Success, Run: r, Value: v, Attempts: 1, Started: started, Finished: time.Now()}
	if err != nil {
		out.Kind, out.Err = Failure, err
	}
	e.finish(cb, out)
}

func (e *Inline) finish(cb Callback, out Outcome) {
	e.count.dec(out.Run.JobID)
	if cb != nil {
		cb(out)
	}
}

func (e *Inline) Running(jobID string) int { return e.count.get(jobID) }

// Shutdown stops accepting runs. A body already running keeps its context
// and finishes on the submitting goroutine either way.
func (e *Inline) Shutdown(context.Context, bool) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	return nil
}
