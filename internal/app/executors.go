package app

import (
	"fmt"
	"time"

	"pewcron/internal/config"
	"pewcron/pkg/executor"
	"pewcron/pkg/logx"
)

func executorConfigs(cfg *config.Config) map[string]config.ExecutorConfig {
	out := make(map[string]config.ExecutorConfig, len(cfg.Executors)+1)
	for name, ec := range cfg.Executors {
		out[name] = ec
	}
	if _, ok := out[config.DefaultName]; !ok {
		out[config.DefaultName] = config.ExecutorConfig{Type: "pool"}
	}
	return out
}

// newExecutor builds one executor. Every executor records OpenTelemetry
// metrics and spans through the global providers.
func newExecutor(name string, ec config.ExecutorConfig, log logx.Logger) (executor.Executor, error) {
	p := "executors." + name
	timeout, err := config.ParseDurationField(p+".default_timeout", ec.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	mws := []executor.Middleware{executor.Tracing(), executor.Metrics()}
	log = log.With(logx.String("comp", "executor"), logx.String("executor", name))

	switch ec.Type {
	case "inline":
		return executor.NewInline(executor.InlineConfig{DefaultTimeout: timeout, Middleware: mws}, log), nil
	case "pool", "":
		maxDelay, err := config.ParseDurationField(p+".max_queue_delay", ec.MaxQueueDelay)
		if err != nil {
			return nil, err
		}
		cooldown, err := config.ParseDurationOrDefault(p+".circuit_cooldown", ec.CircuitCooldown, 5*time.Second)
		if err != nil {
			return nil, err
		}
		return executor.NewPool(executor.PoolConfig{
			Workers:        ec.Workers,
			QueueSize:      ec.QueueSize,
			MaxQueueDelay:  maxDelay,
			DefaultTimeout: timeout,
			HistorySize:    ec.HistorySize,
			Retry:          executor.RetryPolicy{Max: ec.RetryMax},
			Circuit:        executor.CircuitPolicy{TripFailures: ec.CircuitTripFailures, BaseDelay: cooldown},
			Middleware:     mws,
		}, log), nil
	default:
		return nil, fmt.Errorf("%s.type: unknown type %q", p, ec.Type)
	}
}
