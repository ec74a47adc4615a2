package app

import (
	"fmt"
	"strings"
	"time"

	"pewcron/internal/config"
	"pewcron/pkg/eventbus"
	"pewcron/pkg/jobstore"
	"pewcron/pkg/jobstore/filestore"
	"pewcron/pkg/jobstore/mongostore"
	"pewcron/pkg/jobstore/pgstore"
	"pewcron/pkg/jobstore/redisstore"
	"pewcron/pkg/jobstore/sqlitestore"
	"pewcron/pkg/logx"
	"pewcron/pkg/scheduler"
)

// storeConfigs returns the configured stores plus an in-memory "default"
// when the file does not declare one.
func storeConfigs(cfg *config.Config) map[string]config.JobStoreConfig {
	out := make(map[string]config.JobStoreConfig, len(cfg.JobStores)+1)
	for name, sc := range cfg.JobStores {
		out[name] = sc
	}
	if _, ok := out[config.DefaultName]; !ok {
		out[config.DefaultName] = config.JobStoreConfig{Driver: "memory"}
	}
	return out
}

// openStore builds (but does not open) the store for one config entry.
// Records that cannot be decoded are logged and published on bus.
func openStore(name string, sc config.JobStoreConfig, log logx.Logger, bus eventbus.Bus) (jobstore.Store, error) {
	log = log.With(logx.String("comp", "jobstore"), logx.String("store", name), logx.String("driver", sc.Driver))
	onDecode := func(id string, err error) {
		log.Error("job record undecodable, skipped", logx.String("job_id", id), logx.Err(err))
		bus.Publish(eventbus.Event{
			Type: scheduler.EventJobStoreDecodeFailed,
			Data: scheduler.Event{JobID: id, JobStore: name, Err: err},
		})
	}

	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "memory", "":
		return jobstore.NewMemoryStore(), nil
	case "file":
		return filestore.New(filestore.Config{Path: sc.Path, OnDecodeError: onDecode}, log)
	case "sqlite":
		busy, err := config.ParseDurationOrDefault("jobstores."+name+".busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return nil, err
		}
		return sqlitestore.New(sqlitestore.Config{
			Path:          sc.Path,
			BusyTimeout:   busy,
			Codec:         sc.Codec,
			OnDecodeError: onDecode,
		}, log)
	case "postgres":
		return pgstore.New(pgstore.Config{
			DSN:           sc.DSN,
			Table:         sc.Table,
			Codec:         sc.Codec,
			OnDecodeError: onDecode,
		}, log)
	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:          sc.Addr,
			Password:      sc.Password,
			DB:            sc.DB,
			Prefix:        sc.Prefix,
			Codec:         sc.Codec,
			OnDecodeError: onDecode,
		}, log)
	case "mongo":
		return mongostore.New(mongostore.Config{
			URI:           sc.URI,
			Database:      sc.Database,
			Collection:    sc.Collection,
			Codec:         sc.Codec,
			OnDecodeError: onDecode,
		}, log)
	default:
		return nil, fmt.Errorf("jobstores.%s: unknown driver %q", name, sc.Driver)
	}
}
