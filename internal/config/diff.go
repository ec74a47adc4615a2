package config

import (
	"reflect"
	"sort"
	"strings"

	"pewcron/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets (alert token,
// store passwords, debug token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var fields []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		fields = append(fields, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}
	if !reflect.DeepEqual(oldCfg.JobStores, newCfg.JobStores) {
		changed = append(changed, "jobstores")
		fields = append(fields, logx.Strings("jobstores", sortedKeys(newCfg.JobStores)))
	}
	if !reflect.DeepEqual(oldCfg.Executors, newCfg.Executors) {
		changed = append(changed, "executors")
		fields = append(fields, logx.Strings("executors", sortedKeys(newCfg.Executors)))
	}
	if added, removed, modified := DiffJobs(oldCfg.Jobs, newCfg.Jobs); len(added)+len(removed)+len(modified) > 0 {
		changed = append(changed, "jobs")
		fields = append(fields,
			logx.Strings("jobs.added", added),
			logx.Strings("jobs.removed", removed),
			logx.Strings("jobs.modified", modified),
		)
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		fields = append(fields,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}
	return changed, fields
}

// DiffJobs compares job declarations by id. Each result is sorted.
func DiffJobs(oldJobs, newJobs []JobConfig) (added, removed, modified []string) {
	prev := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		prev[j.ID] = j
	}
	for _, j := range newJobs {
		o, ok := prev[j.ID]
		switch {
		case !ok:
			added = append(added, j.ID)
		case !reflect.DeepEqual(o, j):
			modified = append(modified, j.ID)
		}
		delete(prev, j.ID)
	}
	removed = sortedKeys(prev)
	sort.Strings(added)
	sort.Strings(modified)
	return added, removed, modified
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
