package scheduler

import (
	"errors"
	"time"
)

var (
	ErrAlreadyRunning    = errors.New("scheduler: already running")
	ErrNotRunning        = errors.New("scheduler: not running")
	ErrUnknownJobStore   = errors.New("scheduler: unknown job store")
	ErrUnknownExecutor   = errors.New("scheduler: unknown executor")
	ErrDuplicateJobStore = errors.New("scheduler: job store already registered")
	ErrDuplicateExecutor = errors.New("scheduler: executor already registered")
	ErrTriggerExhausted  = errors.New("scheduler: trigger has no fire times left")
)

// Config controls the engine. Zero numeric fields take their defaults;
// start from DefaultConfig to also get coalescing on by default.
type Config struct {
	// Timezone is used for schedules parsed on behalf of callers. Nil means
	// time.Local.
	Timezone *time.Location

	DefaultJobStore string
	DefaultExecutor string

	JobDefaults JobDefaults

	// MaxBacklog bounds how many missed occurrences of a non-coalescing job
	// are replayed in one pass. Older ones are reported as missed.
	MaxBacklog int
	// StoreRetryInterval is how soon the loop retries after a store error.
	StoreRetryInterval time.Duration
	// MaxScan bounds the occurrences examined per due job and pass.
	MaxScan int
}

// JobDefaults fill the fields a JobSpec leaves unset.
type JobDefaults struct {
	// MisfireGraceTime of zero means the default (1s); negative means no
	// limit.
	MisfireGraceTime time.Duration
	Coalesce         bool
	MaxInstances     int
}

const (
	defaultName               = "default"
	defaultMisfireGraceTime   = time.Second
	defaultMaxBacklog         = 10
	defaultStoreRetryInterval = 10 * time.Second
	defaultMaxScan            = 10000
)

func DefaultConfig() Config {
	return Config{
		Timezone:           time.Local,
		DefaultJobStore:    defaultName,
		DefaultExecutor:    defaultName,
		JobDefaults:        JobDefaults{MisfireGraceTime: defaultMisfireGraceTime, Coalesce: true, MaxInstances: 1},
		MaxBacklog:         defaultMaxBacklog,
		StoreRetryInterval: defaultStoreRetryInterval,
		MaxScan:            defaultMaxScan,
	}
}

func (c Config) withDefaults() Config {
	if c.Timezone == nil {
		c.Timezone = time.Local
	}
	if c.DefaultJobStore == "" {
		c.DefaultJobStore = defaultName
	}
	if c.DefaultExecutor == "" {
		c.DefaultExecutor = defaultName
	}
	if c.JobDefaults.MisfireGraceTime == 0 {
		c.JobDefaults.MisfireGraceTime = defaultMisfireGraceTime
	}
	if c.JobDefaults.MaxInstances <= 0 {
		c.JobDefaults.MaxInstances = 1
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = defaultMaxBacklog
	}
	if c.StoreRetryInterval <= 0 {
		c.StoreRetryInterval = defaultStoreRetryInterval
	}
	if c.MaxScan <= 0 {
		c.MaxScan = defaultMaxScan
	}
	return c
}

// ConflictPolicy decides what AddJob does when the id is taken.
type ConflictPolicy int

const (
	// ConflictError fails with job.ErrConflictingID.
	ConflictError ConflictPolicy = iota
	// ConflictReplace overwrites the stored job.
	ConflictReplace
	// ConflictKeep leaves the stored job alone and returns it.
	ConflictKeep
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictReplace:
		return "replace"
	case ConflictKeep:
		return "keep"
	default:
		return "error"
	}
}

type State int32

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}
