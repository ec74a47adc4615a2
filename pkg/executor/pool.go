package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"pewcron/internal/runtime/supervisor"
	"pewcron/pkg/job"
	"pewcron/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type PoolConfig struct {
	Workers   int // default 20
	QueueSize int // default 256

	// MaxQueueDelay rejects runs that waited in the queue longer than this
	// with reason "stale". 0 disables the check.
	MaxQueueDelay time.Duration

	// DefaultTimeout bounds each attempt. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int // default 200

	Retry      RetryPolicy
	Circuit    CircuitPolicy
	Middleware []Middleware
}

// HistoryItem is one finished run kept for diagnostics.
type HistoryItem struct {
	JobID      string        `json:"job_id"`
	RunTime    time.Time     `json:"run_time"`
	Kind       string        `json:"kind"`
	Reason     string        `json:"reason,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Workers     int    `json:"workers"`
	QueueLen    int    `json:"queue_len"`
	QueueCap    int    `json:"queue_cap"`
	Running     int    `json:"running"`
	CircuitOpen int    `json:"circuit_open"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
	Rejected    uint64 `json:"rejected"`
}

var _ Executor = (*Pool)(nil)

// Pool runs jobs on a fixed set of supervised workers fed by a bounded
// queue.
type Pool struct {
	cfg      PoolConfig
	log      logx.Logger
	runner   runner
	count    instances
	circuits circuits

	mu      sync.RWMutex
	cb      Callback
	q       chan queued
	sup     *supervisor.Supervisor
	started bool
	stopped bool

	hmu     sync.Mutex
	history []HistoryItem

	succeeded atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64

	lastQueueFullWarn atomic.Int64
	lastStaleWarn     atomic.Int64
}

type queued struct {
	run        Run
	enqueuedAt time.Time
}

func NewPool(cfg PoolConfig, log logx.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	cfg.Retry = cfg.Retry.withDefaults()
	cfg.Circuit = cfg.Circuit.withDefaults()
	return &Pool{
		cfg:      cfg,
		log:      log,
		runner:   newRunner(log, cfg.DefaultTimeout, cfg.Middleware),
		circuits: circuits{policy: cfg.Circuit},
	}
}

func (p *Pool) Start(ctx context.Context, cb Callback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started && !p.stopped {
		return ErrAlreadyStarted
	}
	p.cb = cb
	p.q = make(chan queued, p.cfg.QueueSize)
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	p.started, p.stopped = true, false

	q := p.q
	for i := 0; i < p.cfg.Workers; i++ {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(i)<<32))
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(ctx context.Context) error {
			p.worker(ctx, q, rng)
			return nil
		}, supervisor.WithPublishError(true))
	}
	p.log.Info("executor pool started", logx.Int("workers", p.cfg.Workers), logx.Int("queue", p.cfg.QueueSize))
	return nil
}

func (p *Pool) Submit(r Run) {
	p.count.inc(r.JobID)
	now := time.Now()

	if open, until := p.circuits.open(r.JobID, now); open {
		p.log.Debug("run rejected: circuit open", logx.String("job_id", r.JobID), logx.Time("until", until))
		p.finish(rejection(r, ReasonCircuitOpen, now), 0)
		return
	}

	p.mu.RLock()
	if !p.started || p.stopped {
		p.mu.RUnlock()
		p.finish(rejection(r, ReasonStopped, now), 0)
		return
	}
	select {
	case p.q <- queued{run: r, enqueuedAt: now}:
		p.mu.RUnlock()
		return
	default:
	}
	qlen, qcap := len(p.q), cap(p.q)
	p.mu.RUnlock()

	if shouldWarn(&p.lastQueueFullWarn, now) {
		p.log.Warn("run rejected: queue full",
			logx.String("job_id", r.JobID),
			logx.Int("queue_len", qlen),
			logx.Int("queue_cap", qcap),
		)
	}
	p.finish(rejection(r, ReasonQueueFull, now), 0)
}

func (p *Pool) Running(jobID string) int { return p.count.get(jobID) }

// Shutdown closes the queue; later submissions are rejected with reason
// "stopped". Runs already accepted are never canceled: with wait it blocks
// until they finish or ctx is done, without wait it returns at once and the
// workers drain the queue on their own.
func (p *Pool) Shutdown(ctx context.Context, wait bool) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.q)
	sup := p.sup
	p.mu.Unlock()

	if wait {
		_ = sup.Wait(ctx)
		if err := ctx.Err(); err != nil {
			p.log.Warn("executor pool stop timed out; runs left to finish", logx.Err(err))
			go p.release(sup)
			return err
		}
		sup.Cancel()
		p.log.Info("executor pool stopped")
		return nil
	}
	go p.release(sup)
	p.log.Info("executor pool stopping; runs left to finish")
	return nil
}

// release frees the worker supervisor once the queue is drained.
func (p *Pool) release(sup *supervisor.Supervisor) {
	_ = sup.Wait(context.Background())
	sup.Cancel()
	p.log.Debug("executor pool drained")
}

// History returns finished runs, oldest first.
func (p *Pool) History() []HistoryItem {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	return append([]HistoryItem(nil), p.history...)
}

func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	var qlen, qcap int
	if p.q != nil && !p.stopped {
		qlen, qcap = len(p.q), cap(p.q)
	}
	p.mu.RUnlock()
	return PoolStats{
		Workers:     p.cfg.Workers,
		QueueLen:    qlen,
		QueueCap:    qcap,
		Running:     p.count.total(),
		CircuitOpen: p.circuits.openCount(time.Now()),
		Succeeded:   p.succeeded.Load(),
		Failed:      p.failed.Load(),
		Rejected:    p.rejected.Load(),
	}
}

func (p *Pool) worker(ctx context.Context, q <-chan queued, rng *rand.Rand) {
	for qr := range q {
		if ctx.Err() != nil {
			p.finish(rejection(qr.run, ReasonStopped, time.Now()), 0)
			continue
		}
		p.execute(ctx, qr, rng)
	}
}

func (p *Pool) execute(ctx context.Context, qr queued, rng *rand.Rand) {
	r := qr.run
	start := time.Now()
	queueDelay := max(start.Sub(qr.enqueuedAt), 0)

	if p.cfg.MaxQueueDelay > 0 && queueDelay > p.cfg.MaxQueueDelay {
		if shouldWarn(&p.lastStaleWarn, start) {
			p.log.Warn("run rejected: stale in queue", logx.String("job_id", r.JobID), logx.Duration("queue_delay", queueDelay))
		}
		p.finish(rejection(r, ReasonStale, start), queueDelay)
		return
	}

	var (
		v        any
		err      error
		attempts int
	)
retry:
	for attempts = 1; ; attempts++ {
		v, err = p.runner.call(ctx, r)
		if err == nil || IsNoRetry(err) || attempts > p.cfg.Retry.Max {
			break
		}
		d := p.cfg.Retry.delay(attempts, err, rng)
		p.log.Debug("job retry scheduled", logx.String("job_id", r.JobID), logx.Int("attempt", attempts+1), logx.Duration("delay", d), logx.Err(err))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			break retry
		case <-t.C:
		}
	}

	finished := time.Now()
	p.circuits.record(r.JobID, finished, err != nil)
	out := Outcome{Kind: Success, Run: r, Value: v, Attempts: attempts, Started: start, Finished: finished}
	if err != nil {
		out.Kind, out.Err = Failure, stripNoRetry(err)
	}
	p.finish(out, queueDelay)
}

// finish releases the instance slot, records history and delivers the
// outcome, in that order.
func (p *Pool) finish(out Outcome, queueDelay time.Duration) {
	p.count.dec(out.Run.JobID)

	switch out.Kind {
	case Success:
		p.succeeded.Add(1)
	case Failure:
		p.failed.Add(1)
	case Rejected:
		p.rejected.Add(1)
	}
	item := HistoryItem{
		JobID:      out.Run.JobID,
		RunTime:    out.Run.RunTime,
		Kind:       out.Kind.String(),
		Reason:     out.Reason,
		Started:    out.Started,
		QueueDelay: queueDelay,
		Duration:   out.Finished.Sub(out.Started),
		Attempts:   out.Attempts,
	}
	if out.Err != nil {
		item.Error = out.Err.Error()
	}
	p.hmu.Lock()
	p.history = append(p.history, item)
	if n := len(p.history) - p.cfg.HistorySize; n > 0 {
		p.history = append(p.history[:0], p.history[n:]...)
	}
	p.hmu.Unlock()

	p.mu.RLock()
	cb := p.cb
	p.mu.RUnlock()
	if cb != nil {
		cb(out)
	}
}

func stripNoRetry(err error) error {
	var ee *job.ExecutionError
	if !errors.As(err, &ee) {
		return err
	}
	var nr noRetryError
	if errors.As(ee.Err, &nr) {
		cp := *ee
		cp.Err = nr.err
		return &cp
	}
	return err
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}
