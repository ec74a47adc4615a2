package config

// Config is the daemon configuration file.
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Unknown keys
// are rejected so a typo never silently falls back to a default.
type Config struct {
	Logging   LoggingConfig             `json:"logging"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	JobStores map[string]JobStoreConfig `json:"jobstores,omitempty"`
	Executors map[string]ExecutorConfig `json:"executors,omitempty"`
	Jobs      []JobConfig               `json:"jobs,omitempty"`
	Debug     DebugConfig               `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warnings and errors to a Telegram chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // never logged
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig holds engine settings and the job defaults.
//
// Defaults (when fields are omitted/zero):
//   - timezone: local
//   - misfire_grace_time: "1s" ("-1s" or any negative value: no limit)
//   - coalesce: true
//   - max_instances: 1
//   - max_backlog: 10
//   - store_retry_interval: "10s"
type SchedulerConfig struct {
	Timezone           string `json:"timezone,omitempty"`
	MisfireGraceTime   string `json:"misfire_grace_time,omitempty"`
	Coalesce           *bool  `json:"coalesce,omitempty"`
	MaxInstances       int    `json:"max_instances,omitempty"`
	MaxBacklog         int    `json:"max_backlog,omitempty"`
	StoreRetryInterval string `json:"store_retry_interval,omitempty"`
}

// JobStoreConfig selects and configures one store backend. Only the fields
// of the chosen driver are read.
//
// Example:
//
//	"jobstores": { "default": { "driver": "sqlite", "path": "./pewcron.db" } }
type JobStoreConfig struct {
	Driver string `json:"driver"` // memory | file | sqlite | postgres | redis | mongo

	Path        string `json:"path,omitempty"`         // file, sqlite
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres
	Table       string `json:"table,omitempty"`        // postgres
	Addr        string `json:"addr,omitempty"`         // redis
	Password    string `json:"password,omitempty"`     // redis, never logged
	DB          int    `json:"db,omitempty"`           // redis
	Prefix      string `json:"prefix,omitempty"`       // redis
	URI         string `json:"uri,omitempty"`          // mongo
	Database    string `json:"database,omitempty"`     // mongo
	Collection  string `json:"collection,omitempty"`   // mongo
	Codec       string `json:"codec,omitempty"`        // json | msgpack
}

// ExecutorConfig configures one executor.
//
// Defaults for type "pool": workers 20, queue_size 256, history_size 200,
// retries and the circuit breaker disabled.
type ExecutorConfig struct {
	Type                string `json:"type"` // pool | inline
	Workers             int    `json:"workers,omitempty"`
	QueueSize           int    `json:"queue_size,omitempty"`
	MaxQueueDelay       string `json:"max_queue_delay,omitempty"`
	DefaultTimeout      string `json:"default_timeout,omitempty"`
	RetryMax            int    `json:"retry_max,omitempty"`
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitCooldown     string `json:"circuit_cooldown,omitempty"`
	HistorySize         int    `json:"history_size,omitempty"`
}

// JobConfig declares a job owned by the config file. Jobs are reconciled on
// every reload: new ones are added, changed ones replaced and jobs that
// disappeared from the file are removed.
type JobConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Func     string `json:"func"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`

	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`

	JobStore         string `json:"jobstore,omitempty"`
	Executor         string `json:"executor,omitempty"`
	MisfireGraceTime string `json:"misfire_grace_time,omitempty"`
	Coalesce         *bool  `json:"coalesce,omitempty"`
	MaxInstances     int    `json:"max_instances,omitempty"`
	Paused           bool   `json:"paused,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof and a JSON
// job snapshot).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
