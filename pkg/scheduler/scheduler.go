// Package scheduler is the job scheduling engine. It owns named job stores
// and executors, runs the wakeup loop and exposes the job management API.
//
// All API methods are safe for concurrent use. Job management works in
// every state; nothing fires unless the scheduler is running.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pewcron/internal/runtime/supervisor"
	"pewcron/pkg/eventbus"
	"pewcron/pkg/executor"
	"pewcron/pkg/job"
	"pewcron/pkg/jobstore"
	"pewcron/pkg/logx"
)

type Scheduler struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	registry *job.Registry
	now      func() time.Time
	keys     keyLocks

	// life serializes Start and Shutdown.
	life sync.Mutex

	mu         sync.Mutex
	state      State
	stores     map[string]*storeEntry
	executors  map[string]executor.Executor
	outcomes   map[string]executor.Outcome
	sup        *supervisor.Supervisor
	execCtx    context.Context
	sleeping   bool
	wakeAt     time.Time
	optionErrs []error

	wake chan struct{}
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

// WithRegistry sets the registry func refs are resolved against.
func WithRegistry(r *job.Registry) Option { return func(s *Scheduler) { s.registry = r } }

// WithClock replaces time.Now. The loop still sleeps on real timers, so a
// test that moves the clock should call Wakeup afterwards.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithJobStore(name string, st jobstore.Store) Option {
	return func(s *Scheduler) {
		if _, ok := s.stores[name]; ok {
			s.optionErrs = append(s.optionErrs, fmt.Errorf("%w: %q", ErrDuplicateJobStore, name))
			return
		}
		s.stores[name] = &storeEntry{name: name, store: st}
	}
}

func WithExecutor(name string, ex executor.Executor) Option {
	return func(s *Scheduler) {
		if _, ok := s.executors[name]; ok {
			s.optionErrs = append(s.optionErrs, fmt.Errorf("%w: %q", ErrDuplicateExecutor, name))
			return
		}
		s.executors[name] = ex
	}
}

// New builds a stopped scheduler. A memory store and a pool executor are
// registered under the default names when the options provide none.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		stores:    map[string]*storeEntry{},
		executors: map[string]executor.Executor{},
		outcomes:  map[string]executor.Outcome{},
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if len(s.optionErrs) > 0 {
		return nil, s.optionErrs[0]
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	if s.bus == nil {
		s.bus = eventbus.New()
	}
	if s.registry == nil {
		s.registry = job.NewRegistry()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if len(s.stores) == 0 {
		name := s.cfg.DefaultJobStore
		s.stores[name] = &storeEntry{name: name, store: jobstore.NewMemoryStore()}
	}
	if len(s.executors) == 0 {
		s.executors[s.cfg.DefaultExecutor] = executor.NewPool(executor.PoolConfig{}, s.log)
	}
	return s, nil
}

func (s *Scheduler) Bus() eventbus.Bus        { return s.bus }
func (s *Scheduler) Registry() *job.Registry  { return s.registry }
func (s *Scheduler) Location() *time.Location { return s.cfg.Timezone }
func (s *Scheduler) Config() Config           { return s.cfg }

func (s *Scheduler) JobStoreNames() []string { return s.names(false) }
func (s *Scheduler) ExecutorNames() []string { return s.names(true) }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LoopStats reports the control loop's supervisor statistics. It is nil
// while the scheduler is stopped.
func (s *Scheduler) LoopStats() []supervisor.Stats {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Snapshot()
}

// LastOutcome returns the most recent outcome reported for the job.
func (s *Scheduler) LastOutcome(id string) (executor.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[id]
	return o, ok
}

// Executor returns the executor registered under name.
func (s *Scheduler) Executor(name string) (executor.Executor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executors[name]
	return ex, ok
}

func (s *Scheduler) names(executors bool) []string {
	s.mu.Lock()
	var out []string
	if executors {
		for n := range s.executors {
			out = append(out, n)
		}
	} else {
		for n := range s.stores {
			out = append(out, n)
		}
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Start opens the job stores, starts the executors and launches the
// wakeup loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	execs := make(map[string]executor.Executor, len(s.executors))
	for n, ex := range s.executors {
		execs[n] = ex
	}
	s.mu.Unlock()

	execCtx := context.WithoutCancel(ctx)
	var started []executor.Executor
	for name, ex := range execs {
		if err := ex.Start(execCtx, s.outcomeCallback(name)); err != nil {
			for _, st := range started {
				_ = st.Shutdown(ctx, false)
			}
			return fmt.Errorf("scheduler: start executor %q: %w", name, err)
		}
		started = append(started, ex)
	}
	for _, e := range s.storeEntries() {
		if err := e.open(ctx); err != nil {
			// The loop keeps retrying.
			s.storeFailed(e.name, err)
		}
	}

	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	s.mu.Lock()
	s.state = StateRunning
	s.sup = sup
	s.execCtx = execCtx
	s.sleeping = false
	s.mu.Unlock()

	sup.GoRestart("scheduler.loop", s.loop, supervisor.WithBackoff(100*time.Millisecond, 5*time.Second))
	s.log.Info("scheduler started", logx.Strings("stores", s.JobStoreNames()), logx.Strings("executors", s.ExecutorNames()))
	s.publish(EventStarted, Event{})
	return nil
}

// Pause parks the loop. Pausing a paused scheduler does nothing.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return ErrNotRunning
	case StatePaused:
		s.mu.Unlock()
		return nil
	}
	s.state = StatePaused
	s.mu.Unlock()

	s.signal()
	s.log.Info("scheduler paused")
	s.publish(EventPaused, Event{})
	return nil
}

func (s *Scheduler) Resume() error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return ErrNotRunning
	case StateRunning:
		s.mu.Unlock()
		return nil
	}
	s.state = StateRunning
	s.mu.Unlock()

	s.signal()
	s.log.Info("scheduler resumed")
	s.publish(EventResumed, Event{})
	return nil
}

// Shutdown stops the loop and shuts every executor down. With wait it
// blocks until in-flight runs finish or ctx is done; without wait the
// executors abandon or cancel them per their own policy.
func (s *Scheduler) Shutdown(ctx context.Context, wait bool) error {
	s.life.Lock()
	defer s.life.Unlock()

	start := time.Now()
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = StateStopped
	sup := s.sup
	s.sup = nil
	execs := make(map[string]executor.Executor, len(s.executors))
	for n, ex := range s.executors {
		execs[n] = ex
	}
	s.mu.Unlock()

	s.log.Info("scheduler stopping", logx.Bool("wait", wait))
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler loop stop", logx.Err(err))
	}

	var g errgroup.Group
	for name, ex := range execs {
		g.Go(func() error {
			if err := ex.Shutdown(ctx, wait); err != nil {
				return fmt.Errorf("executor %q: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	s.publish(EventShutdown, Event{})
	return err
}

// Close closes every job store. Call it after Shutdown.
func (s *Scheduler) Close() error {
	var first error
	for _, e := range s.storeEntries() {
		if err := e.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Wakeup makes the loop re-examine its stores now.
func (s *Scheduler) Wakeup() { s.signal() }

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// notify wakes the loop if next precedes its sleep target. While the loop
// is busy the target is unknown and every call signals.
func (s *Scheduler) notify(next time.Time) {
	if next.IsZero() {
		return
	}
	s.mu.Lock()
	wake := s.state != StateStopped && (!s.sleeping || s.wakeAt.IsZero() || next.Before(s.wakeAt))
	s.mu.Unlock()
	if wake {
		s.signal()
	}
}

// AddJobStore registers and opens a store.
func (s *Scheduler) AddJobStore(ctx context.Context, name string, st jobstore.Store) error {
	s.mu.Lock()
	_, dup := s.stores[name]
	s.mu.Unlock()
	if dup {
		return fmt.Errorf("%w: %q", ErrDuplicateJobStore, name)
	}

	e := &storeEntry{name: name, store: st}
	if err := e.open(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if _, dup := s.stores[name]; dup {
		s.mu.Unlock()
		_ = e.close()
		return fmt.Errorf("%w: %q", ErrDuplicateJobStore, name)
	}
	s.stores[name] = e
	s.mu.Unlock()

	s.log.Info("job store added", logx.String("store", name))
	s.publish(EventJobStoreAdded, Event{JobStore: name})
	s.signal()
	return nil
}

// RemoveJobStore unregisters and closes a store. Its jobs stay persisted.
func (s *Scheduler) RemoveJobStore(_ context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.stores[name]
	if ok {
		delete(s.stores, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobStore, name)
	}

	err := e.close()
	s.log.Info("job store removed", logx.String("store", name))
	s.publish(EventJobStoreRemoved, Event{JobStore: name})
	return err
}

// AddExecutor registers an executor, starting it when the scheduler runs.
func (s *Scheduler) AddExecutor(_ context.Context, name string, ex executor.Executor) error {
	s.life.Lock()
	defer s.life.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.executors[name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateExecutor, name)
	}
	if s.state != StateStopped {
		if err := ex.Start(s.execCtx, s.outcomeCallback(name)); err != nil {
			return fmt.Errorf("scheduler: start executor %q: %w", name, err)
		}
	}
	s.executors[name] = ex

	s.log.Info("executor added", logx.String("executor", name))
	s.publish(EventExecutorAdded, Event{Executor: name})
	return nil
}

// RemoveExecutor unregisters an executor and, when the scheduler runs,
// shuts it down waiting for its in-flight runs (bounded by ctx).
func (s *Scheduler) RemoveExecutor(ctx context.Context, name string) error {
	s.life.Lock()
	defer s.life.Unlock()
	s.mu.Lock()
	ex, ok := s.executors[name]
	if ok {
		delete(s.executors, name)
	}
	running := s.state != StateStopped
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownExecutor, name)
	}

	var err error
	if running {
		err = ex.Shutdown(ctx, true)
	}
	s.log.Info("executor removed", logx.String("executor", name))
	s.publish(EventExecutorRemoved, Event{Executor: name})
	return err
}

func (s *Scheduler) outcomeCallback(exName string) executor.Callback {
	return func(o executor.Outcome) {
		id := o.Run.JobID
		s.mu.Lock()
		s.outcomes[id] = o
		s.mu.Unlock()

		ev := Event{JobID: id, Executor: exName, RunTime: o.Run.RunTime, Value: o.Value, Err: o.Err}
		switch o.Kind {
		case executor.Success:
			s.log.Debug("job executed", logx.String("job_id", id), logx.Duration("took", o.Finished.Sub(o.Started)))
			s.publish(EventJobExecuted, ev)
		case executor.Failure:
			s.log.Warn("job failed", logx.String("job_id", id), logx.Int("attempts", o.Attempts), logx.Err(o.Err))
			s.publish(EventJobFailed, ev)
		default:
			s.log.Warn("job run rejected", logx.String("job_id", id), logx.String("reason", o.Reason))
			s.publish(EventJobRejected, ev)
		}
	}
}

func (s *Scheduler) forgetOutcome(id string) {
	s.mu.Lock()
	delete(s.outcomes, id)
	s.mu.Unlock()
}

// storeEntries returns the registered stores ordered by name.
func (s *Scheduler) storeEntries() []*storeEntry {
	s.mu.Lock()
	out := make([]*storeEntry, 0, len(s.stores))
	for _, e := range s.stores {
		out = append(out, e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].name < out[k].name })
	return out
}

func (s *Scheduler) storeEntry(name string) (*storeEntry, error) {
	s.mu.Lock()
	e, ok := s.stores[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobStore, name)
	}
	return e, nil
}

func (s *Scheduler) storeFailed(name string, err error) {
	s.log.Warn("job store unavailable", logx.String("store", name), logx.Err(err))
	s.publish(EventJobStoreUnavailable, Event{JobStore: name, Err: err})
}

// storeEntry opens its store on first use so that a store that is down at
// startup is retried instead of failing the engine.
type storeEntry struct {
	name  string
	store jobstore.Store

	mu     sync.Mutex
	opened bool
}

func (e *storeEntry) open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opened {
		return nil
	}
	if err := e.store.Open(ctx); err != nil {
		return jobstore.Unavailable(e.name, "open", err)
	}
	e.opened = true
	return nil
}

func (e *storeEntry) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.opened {
		return nil
	}
	e.opened = false
	return e.store.Close()
}

// get returns the open store.
func (e *storeEntry) get(ctx context.Context) (jobstore.Store, error) {
	if err := e.open(ctx); err != nil {
		return nil, err
	}
	return e.store, nil
}
