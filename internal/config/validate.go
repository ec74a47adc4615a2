package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pewcron/pkg/logx"
	"pewcron/pkg/trigger"
)

// DefaultName is the store and executor name used when none is given.
const DefaultName = "default"

var (
	storeDrivers  = []string{"memory", "file", "sqlite", "postgres", "redis", "mongo"}
	executorTypes = []string{"pool", "inline"}
	codecs        = []string{"", "json", "msgpack"}
)

// Validate checks everything that can be checked without opening
// backends. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	loc, err := Location(cfg.Scheduler.Timezone)
	add(err)
	if loc == nil {
		loc = time.Local
	}
	s := cfg.Scheduler
	_, _, err = ParseGraceTime("scheduler.misfire_grace_time", s.MisfireGraceTime)
	add(err)
	_, err = ParseDurationField("scheduler.store_retry_interval", s.StoreRetryInterval)
	add(err)
	if s.MaxInstances < 0 || s.MaxBacklog < 0 {
		add(fmt.Errorf("scheduler: max_instances and max_backlog must be >= 0"))
	}

	lvl := strings.TrimSpace(cfg.Logging.Level)
	if lvl != "" && logx.ParseLevel(lvl).String() != strings.ToLower(lvl) && !strings.EqualFold(lvl, "warning") {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if a := cfg.Logging.Alert; a.Enabled && (strings.TrimSpace(a.Token) == "" || a.ChatID == 0) {
		add(fmt.Errorf("logging.alert: token and chat_id are required when enabled"))
	}

	for name, st := range cfg.JobStores {
		p := "jobstores." + name
		switch {
		case !contains(storeDrivers, st.Driver):
			add(fmt.Errorf("%s.driver: unknown driver %q", p, st.Driver))
		case (st.Driver == "file" || st.Driver == "sqlite") && strings.TrimSpace(st.Path) == "":
			add(fmt.Errorf("%s.path: required for driver %s", p, st.Driver))
		case st.Driver == "postgres" && strings.TrimSpace(st.DSN) == "":
			add(fmt.Errorf("%s.dsn: required for driver postgres", p))
		case st.Driver == "redis" && strings.TrimSpace(st.Addr) == "":
			add(fmt.Errorf("%s.addr: required for driver redis", p))
		case st.Driver == "mongo" && strings.TrimSpace(st.URI) == "":
			add(fmt.Errorf("%s.uri: required for driver mongo", p))
		}
		if !contains(codecs, st.Codec) {
			add(fmt.Errorf("%s.codec: unknown codec %q", p, st.Codec))
		}
		_, err := ParseDurationField(p+".busy_timeout", st.BusyTimeout)
		add(err)
	}

	for name, ex := range cfg.Executors {
		p := "executors." + name
		if !contains(executorTypes, ex.Type) {
			add(fmt.Errorf("%s.type: unknown type %q", p, ex.Type))
		}
		for field, raw := range map[string]string{
			"max_queue_delay":  ex.MaxQueueDelay,
			"default_timeout":  ex.DefaultTimeout,
			"circuit_cooldown": ex.CircuitCooldown,
		} {
			_, err := ParseDurationField(p+"."+field, raw)
			add(err)
		}
		if ex.Workers < 0 || ex.QueueSize < 0 || ex.RetryMax < 0 || ex.HistorySize < 0 || ex.CircuitTripFailures < 0 {
			add(fmt.Errorf("%s: counts must be >= 0", p))
		}
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		p := fmt.Sprintf("jobs[%d]", i)
		if strings.TrimSpace(j.ID) == "" {
			add(fmt.Errorf("%s.id: required", p))
		} else if seen[j.ID] {
			add(fmt.Errorf("%s.id: duplicate id %q", p, j.ID))
		}
		seen[j.ID] = true
		if strings.TrimSpace(j.Func) == "" {
			add(fmt.Errorf("%s.func: required", p))
		}
		if _, err := JobTrigger(j, loc); err != nil {
			add(fmt.Errorf("%s.schedule: %w", p, err))
		}
		if !knownName(cfg.JobStores, j.JobStore) {
			add(fmt.Errorf("%s.jobstore: unknown store %q", p, j.JobStore))
		}
		if !knownName(cfg.Executors, j.Executor) {
			add(fmt.Errorf("%s.executor: unknown executor %q", p, j.Executor))
		}
		_, _, err := ParseGraceTime(p+".misfire_grace_time", j.MisfireGraceTime)
		add(err)
		if j.MaxInstances < 0 {
			add(fmt.Errorf("%s.max_instances: must be >= 0", p))
		}
	}

	d := cfg.Debug
	_, err = ParseDurationField("debug.read_timeout", d.ReadTimeout)
	add(err)
	_, err = ParseDurationField("debug.idle_timeout", d.IdleTimeout)
	add(err)

	return errors.Join(errs...)
}

// Location resolves the scheduler timezone; empty means time.Local.
func Location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// JobTrigger parses a job's schedule in its own timezone, falling back to
// def.
func JobTrigger(j JobConfig, def *time.Location) (trigger.Trigger, error) {
	loc := def
	if tz := strings.TrimSpace(j.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	if strings.TrimSpace(j.Schedule) == "" {
		return nil, errors.New("required")
	}
	return trigger.Parse(j.Schedule, loc)
}

// knownName reports whether name refers to a configured entry. Empty and
// "default" are always valid because the daemon creates defaults.
func knownName[T any](m map[string]T, name string) bool {
	if name == "" || name == DefaultName {
		return true
	}
	_, ok := m[name]
	return ok
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// normalizeJobArgs replaces json.Number leaves with int64 or float64 so
// job arguments match the scheduler's value tree.
func normalizeJobArgs(cfg *Config) error {
	for i := range cfg.Jobs {
		j := &cfg.Jobs[i]
		for k, v := range j.Args {
			n, err := numberValue(v)
			if err != nil {
				return fmt.Errorf("jobs[%d].args[%d]: %w", i, k, err)
			}
			j.Args[k] = n
		}
		for k, v := range j.Kwargs {
			n, err := numberValue(v)
			if err != nil {
				return fmt.Errorf("jobs[%d].kwargs[%q]: %w", i, k, err)
			}
			j.Kwargs[k] = n
		}
	}
	return nil
}

func numberValue(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	case []any:
		for i := range x {
			n, err := numberValue(x[i])
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
		return x, nil
	case map[string]any:
		for k := range x {
			n, err := numberValue(x[k])
			if err != nil {
				return nil, err
			}
			x[k] = n
		}
		return x, nil
	default:
		return v, nil
	}
}
