// Package app wires the daemon together from the config file: logging,
// job stores, executors, the scheduler, config-declared jobs and the
// debug server.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pewcron/internal/builtin"
	"pewcron/internal/config"
	"pewcron/internal/observability/pprof"
	"pewcron/internal/runtime/supervisor"
	"pewcron/pkg/eventbus"
	"pewcron/pkg/job"
	"pewcron/pkg/logx"
	"pewcron/pkg/scheduler"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	root  logx.Logger
	logs  *logx.Service
	alert *alertSender

	bus      eventbus.Bus
	registry *job.Registry
	sched    *scheduler.Scheduler
	debug    *pprof.Service
	rec      reconciler

	// applied is owned by Start and then by the reload goroutine.
	applied    *config.Config
	jobsFailed bool
	startedAt  time.Time
}

// New loads the config file and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	alert := &alertSender{}
	if err := alert.apply(cfg.Logging.Alert); err != nil {
		return nil, fmt.Errorf("logging.alert: %w", err)
	}
	logs, root := logx.New(mapLogConfig(cfg), alert)
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	registry := job.NewRegistry()
	if err := builtin.Register(registry, builtin.Options{Logger: root}); err != nil {
		return nil, err
	}
	bus := eventbus.New()

	opts := []scheduler.Option{
		scheduler.WithLogger(root),
		scheduler.WithBus(bus),
		scheduler.WithRegistry(registry),
	}
	stores := storeConfigs(cfg)
	for _, name := range sortedNames(stores) {
		st, err := openStore(name, stores[name], root, bus)
		if err != nil {
			return nil, err
		}
		opts = append(opts, scheduler.WithJobStore(name, st))
	}
	execs := executorConfigs(cfg)
	for _, name := range sortedNames(execs) {
		ex, err := newExecutor(name, execs[name], root)
		if err != nil {
			return nil, err
		}
		opts = append(opts, scheduler.WithExecutor(name, ex))
	}
	sched, err := scheduler.New(schedCfg, opts...)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      root.With(logx.String("comp", "app")),
		root:     root,
		logs:     logs,
		alert:    alert,
		bus:      bus,
		registry: registry,
		sched:    sched,
		rec:      reconciler{sched: sched, log: root.With(logx.String("comp", "jobs"))},
	}
	a.debug = pprof.New(root, a.snapshot)
	return a, nil
}

// Registry is where embedders register extra job funcs before Start.
func (a *App) Registry() *job.Registry { return a.registry }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app stops or hits a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()
	a.cfgm.SetValidator(a.validate)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	drop, err := a.rec.undeclared(ctx, cfg.Jobs)
	if err != nil {
		a.log.Warn("could not list stored jobs; skipping prune", logx.Err(err))
	}
	a.applyJobs(ctx, cfg.Jobs, drop)
	a.applied = cfg

	if dc, err := mapDebugConfig(cfg); err == nil {
		a.debug.Reconfigure(ctx, dc)
	}

	a.sup.Go("events.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.startWatchdog()

	a.log.Info("app started", logx.Int("jobs", len(cfg.Jobs)))
	return nil
}

// validate rejects a reloaded config before it is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	for _, jc := range cfg.Jobs {
		if _, err := a.registry.Lookup(jc.Func); err != nil {
			errs = append(errs, fmt.Errorf("jobs.%s.func: %w", jc.ID, err))
		}
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	for name, ec := range cfg.Executors {
		if _, err := newExecutor(name, ec, logx.Nop()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) applyJobs(ctx context.Context, jobs []config.JobConfig, drop []string) {
	if err := a.rec.apply(ctx, jobs, drop); err != nil {
		a.jobsFailed = true
		a.log.Warn("configured jobs not fully applied; will retry", logx.Err(err))
		return
	}
	a.jobsFailed = false
}

// reloadLoop applies published configs. While the last job reconcile
// failed (a store was down) it is retried on the store retry interval.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	retry := time.NewTicker(a.sched.Config().StoreRetryInterval)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retry.C:
			if a.jobsFailed {
				a.applyJobs(ctx, a.applied.Jobs, nil)
			}
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			a.reload(ctx, cfg)
		}
	}
}

func (a *App) reload(ctx context.Context, cfg *config.Config) {
	prev := a.applied
	sections, fields := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, fields...)...)

	if err := a.alert.apply(cfg.Logging.Alert); err != nil {
		a.log.Warn("alert sender not rebuilt", logx.Err(err))
	}
	a.logs.Apply(mapLogConfig(cfg))

	if sc, err := mapSchedulerConfig(cfg); err == nil && !sameSchedulerConfig(sc, a.sched.Config()) {
		a.log.Warn("scheduler settings changed; restart required for them to take effect")
	}

	oldStores, newStores := storeConfigs(prev), storeConfigs(cfg)
	oldExecs, newExecs := executorConfigs(prev), executorConfigs(cfg)
	a.syncStores(ctx, oldStores, newStores)
	a.syncExecutors(ctx, oldExecs, newExecs)

	_, removed, _ := config.DiffJobs(prev.Jobs, cfg.Jobs)
	a.applyJobs(ctx, cfg.Jobs, removed)

	for _, name := range sortedNames(oldStores) {
		if _, ok := newStores[name]; !ok {
			if err := a.sched.RemoveJobStore(ctx, name); err != nil {
				a.log.Warn("job store not removed", logx.String("store", name), logx.Err(err))
			}
		}
	}
	for _, name := range sortedNames(oldExecs) {
		if _, ok := newExecs[name]; !ok {
			if err := a.sched.RemoveExecutor(ctx, name); err != nil {
				a.log.Warn("executor not removed", logx.String("executor", name), logx.Err(err))
			}
		}
	}

	if dc, err := mapDebugConfig(cfg); err == nil {
		a.debug.Reconfigure(ctx, dc)
	}

	a.applied = cfg
	a.log.Info("config reloaded", append([]logx.Field{changed}, fields...)...)
}

// syncStores adds new stores and swaps stores whose settings changed.
func (a *App) syncStores(ctx context.Context, prev, next map[string]config.JobStoreConfig) {
	for _, name := range sortedNames(next) {
		sc := next[name]
		old, existed := prev[name]
		if existed && old == sc {
			continue
		}
		st, err := openStore(name, sc, a.root, a.bus)
		if err != nil {
			a.log.Warn("job store not built", logx.String("store", name), logx.Err(err))
			continue
		}
		if existed {
			if err := a.sched.RemoveJobStore(ctx, name); err != nil {
				a.log.Warn("job store not replaced", logx.String("store", name), logx.Err(err))
				continue
			}
		}
		if err := a.sched.AddJobStore(ctx, name, st); err != nil {
			a.log.Warn("job store not added", logx.String("store", name), logx.Err(err))
		}
	}
}

// syncExecutors adds new executors and replaces changed ones. A replaced
// executor finishes its in-flight runs first.
func (a *App) syncExecutors(ctx context.Context, prev, next map[string]config.ExecutorConfig) {
	for _, name := range sortedNames(next) {
		ec := next[name]
		old, existed := prev[name]
		if existed && old == ec {
			continue
		}
		ex, err := newExecutor(name, ec, a.root)
		if err != nil {
			a.log.Warn("executor not built", logx.String("executor", name), logx.Err(err))
			continue
		}
		if existed {
			if err := a.sched.RemoveExecutor(ctx, name); err != nil {
				a.log.Warn("executor not replaced", logx.String("executor", name), logx.Err(err))
				continue
			}
		}
		if err := a.sched.AddExecutor(ctx, name, ex); err != nil {
			a.log.Warn("executor not added", logx.String("executor", name), logx.Err(err))
		}
	}
}

func sameSchedulerConfig(a, b scheduler.Config) bool {
	return a.Timezone.String() == b.Timezone.String() &&
		a.JobDefaults == b.JobDefaults &&
		a.MaxBacklog == b.MaxBacklog &&
		a.StoreRetryInterval == b.StoreRetryInterval
}

// logEvents mirrors bus traffic into the debug log.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(256)
	defer unsub()
	log := a.root.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !log.Enabled(logx.LevelDebug) {
				continue
			}
			fields := []logx.Field{logx.String("type", e.Type)}
			if ev, ok := e.Data.(scheduler.Event); ok {
				if ev.JobID != "" {
					fields = append(fields, logx.String("job_id", ev.JobID))
				}
				if !ev.RunTime.IsZero() {
					fields = append(fields, logx.Time("run_time", ev.RunTime))
				}
				if ev.Err != nil {
					fields = append(fields, logx.Err(ev.Err))
				}
			}
			log.Debug("event", fields...)
		}
	}
}

// Stop shuts everything down. Each step is bounded so one component
// cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()
	notifyStopping()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := ctx, context.CancelFunc(func() {})
		if max > 0 {
			c, cancel = context.WithTimeout(ctx, max)
		}
		defer cancel()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	// Waits for in-flight runs, bounded only by the caller's deadline.
	step("scheduler", 0, func(c context.Context) error { return a.sched.Shutdown(c, true) })
	step("jobstores", 2*time.Second, func(context.Context) error { return a.sched.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func sortedNames[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
