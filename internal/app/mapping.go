package app

import (
	"time"

	"pewcron/internal/config"
	"pewcron/internal/observability/pprof"
	"pewcron/pkg/logx"
	"pewcron/pkg/scheduler"
)

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := scheduler.DefaultConfig()
	loc, err := config.Location(cfg.Scheduler.Timezone)
	if err != nil {
		return scheduler.Config{}, err
	}
	sc.Timezone = loc

	s := cfg.Scheduler
	grace, ok, err := config.ParseGraceTime("scheduler.misfire_grace_time", s.MisfireGraceTime)
	if err != nil {
		return scheduler.Config{}, err
	}
	if ok {
		sc.JobDefaults.MisfireGraceTime = grace
	}
	if s.Coalesce != nil {
		sc.JobDefaults.Coalesce = *s.Coalesce
	}
	if s.MaxInstances > 0 {
		sc.JobDefaults.MaxInstances = s.MaxInstances
	}
	if s.MaxBacklog > 0 {
		sc.MaxBacklog = s.MaxBacklog
	}
	sc.StoreRetryInterval, err = config.ParseDurationOrDefault("scheduler.store_retry_interval", s.StoreRetryInterval, sc.StoreRetryInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return sc, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapDebugConfig(cfg *config.Config) (pprof.Config, error) {
	d := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          read,
		IdleTimeout:          idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}
