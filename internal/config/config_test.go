package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
  misfire_grace_time: 30s
  coalesce: false
jobstores:
  db:
    driver: sqlite
    path: ./jobs.db
executors:
  default:
    type: pool
    workers: 4
jobs:
  - id: ping
    func: http.get
    schedule: "*/5 * * * *"
    jobstore: db
    args: [1, 2.5, "x"]
    kwargs:
      url: https://example.com
      retries: 3
      nested: {depth: 2}
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("pewcron.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.Coalesce == nil || *cfg.Scheduler.Coalesce {
		t.Fatalf("scheduler.coalesce = %v, want false", cfg.Scheduler.Coalesce)
	}
	if got := cfg.JobStores["db"].Driver; got != "sqlite" {
		t.Fatalf("jobstores.db.driver = %q, want sqlite", got)
	}
	if len(cfg.Jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(cfg.Jobs))
	}
	j := cfg.Jobs[0]
	if v, ok := j.Args[0].(int64); !ok || v != 1 {
		t.Fatalf("args[0] = %#v, want int64(1)", j.Args[0])
	}
	if v, ok := j.Args[1].(float64); !ok || v != 2.5 {
		t.Fatalf("args[1] = %#v, want 2.5", j.Args[1])
	}
	if v, ok := j.Kwargs["retries"].(int64); !ok || v != 3 {
		t.Fatalf("kwargs.retries = %#v, want int64(3)", j.Kwargs["retries"])
	}
	nested, _ := j.Kwargs["nested"].(map[string]any)
	if v, ok := nested["depth"].(int64); !ok || v != 2 {
		t.Fatalf("kwargs.nested.depth = %#v, want int64(2)", nested["depth"])
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	raw := `{"scheduler":{"max_backlog":3},"jobs":[{"id":"a","func":"log","schedule":"10s"}]}`
	cfg, err := Decode("pewcron.json", []byte(raw))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if cfg.Scheduler.MaxBacklog != 3 {
		t.Fatalf("max_backlog = %d, want 3", cfg.Scheduler.MaxBacklog)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		raw  string
	}{
		{"unknown field json", "c.json", `{"schedulr":{}}`},
		{"unknown nested field", "c.json", `{"scheduler":{"timezon":"UTC"}}`},
		{"trailing data", "c.json", `{} {}`},
		{"unknown field yaml", "c.yml", "logging:\n  colour: true\n"},
		{"bad yaml", "c.yaml", "logging: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.raw)); err == nil {
				t.Fatalf("Decode(%q) error = nil, want error", tt.raw)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad grace", func(c *Config) { c.Scheduler.MisfireGraceTime = "soon" }, "misfire_grace_time"},
		{"negative retry", func(c *Config) { c.Scheduler.StoreRetryInterval = "-1s" }, "store_retry_interval"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"alert without token", func(c *Config) { c.Logging.Alert.Enabled = true }, "logging.alert"},
		{"unknown driver", func(c *Config) { c.JobStores["x"] = JobStoreConfig{Driver: "etcd"} }, "unknown driver"},
		{"sqlite without path", func(c *Config) { c.JobStores["x"] = JobStoreConfig{Driver: "sqlite"} }, "jobstores.x.path"},
		{"postgres without dsn", func(c *Config) { c.JobStores["x"] = JobStoreConfig{Driver: "postgres"} }, "dsn"},
		{"unknown codec", func(c *Config) { c.JobStores["x"] = JobStoreConfig{Driver: "memory", Codec: "xml"} }, "codec"},
		{"unknown executor type", func(c *Config) { c.Executors["x"] = ExecutorConfig{Type: "fork"} }, "unknown type"},
		{"negative workers", func(c *Config) { c.Executors["x"] = ExecutorConfig{Type: "pool", Workers: -1} }, "counts"},
		{"missing id", func(c *Config) { c.Jobs[0].ID = "" }, "jobs[0].id"},
		{"duplicate id", func(c *Config) { c.Jobs = append(c.Jobs, c.Jobs[0]) }, "duplicate id"},
		{"missing func", func(c *Config) { c.Jobs[0].Func = "" }, "jobs[0].func"},
		{"bad schedule", func(c *Config) { c.Jobs[0].Schedule = "whenever" }, "jobs[0].schedule"},
		{"bad job timezone", func(c *Config) { c.Jobs[0].Timezone = "Nowhere/City" }, "jobs[0].schedule"},
		{"unknown store ref", func(c *Config) { c.Jobs[0].JobStore = "nope" }, "unknown store"},
		{"unknown executor ref", func(c *Config) { c.Jobs[0].Executor = "nope" }, "unknown executor"},
		{"bad debug timeout", func(c *Config) { c.Debug.ReadTimeout = "x" }, "debug.read_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Jobs[0].Func = ""
	cfg.Debug.IdleTimeout = "bogus"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
	for _, want := range []string{"jobs[0].func", "debug.idle_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate() error = %v, want containing %q", err, want)
		}
	}
}

func TestParseGraceTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantOK  bool
		wantErr bool
	}{
		{"", 0, false, false},
		{"15s", 15 * time.Second, true, false},
		{"-5s", -1, true, false},
		{"0s", 0, true, false},
		{"later", 0, false, true},
	}
	for _, tt := range tests {
		d, ok, err := ParseGraceTime("grace", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseGraceTime(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if d != tt.want || ok != tt.wantOK {
			t.Fatalf("ParseGraceTime(%q) = %v, %v, want %v, %v", tt.raw, d, ok, tt.want, tt.wantOK)
		}
	}
}

func TestJobTriggerUsesJobTimezone(t *testing.T) {
	t.Parallel()

	tr, err := JobTrigger(JobConfig{Schedule: "0 9 * * *", Timezone: "Asia/Jakarta"}, time.UTC)
	if err != nil {
		t.Fatalf("JobTrigger() error = %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := tr.NextFireTime(time.Time{}, now)
	want := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC) // 09:00 WIB
	if !got.Equal(want) {
		t.Fatalf("NextFireTime() = %v, want %v", got, want)
	}
}

func TestDiffJobs(t *testing.T) {
	t.Parallel()

	oldJobs := []JobConfig{{ID: "a", Func: "log"}, {ID: "b", Func: "log"}, {ID: "c", Func: "log"}}
	newJobs := []JobConfig{{ID: "a", Func: "log"}, {ID: "c", Func: "exec"}, {ID: "d", Func: "log"}}
	added, removed, modified := DiffJobs(oldJobs, newJobs)
	if !slices.Equal(added, []string{"d"}) {
		t.Fatalf("added = %v, want [d]", added)
	}
	if !slices.Equal(removed, []string{"b"}) {
		t.Fatalf("removed = %v, want [b]", removed)
	}
	if !slices.Equal(modified, []string{"c"}) {
		t.Fatalf("modified = %v, want [c]", modified)
	}

	changed, _ := SummarizeChange(&Config{Jobs: oldJobs}, &Config{Jobs: newJobs, Debug: DebugConfig{Enabled: true}})
	if !slices.Equal(changed, []string{"jobs", "debug"}) {
		t.Fatalf("SummarizeChange() = %v, want [jobs debug]", changed)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pewcron.json")
	write := func(level string) {
		t.Helper()
		raw := `{"logging":{"level":"` + level + `"}}`
		if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	write("info")

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// The watcher may not be registered yet; keep rewriting until a reload lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		write("debug")
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("reloaded level = %q, want debug", cfg.Logging.Level)
			}
			if got := m.Get().Logging.Level; got != "debug" {
				t.Fatalf("Get().Logging.Level = %q, want debug", got)
			}
			cancel()
			<-done
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pewcron.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ch := m.Subscribe(1)

	if err := os.WriteFile(path, []byte(`{"jobs":[{"id":"x"}]}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		t.Fatalf("published invalid config %+v", cfg)
	default:
	}
	if len(m.Get().Jobs) != 0 {
		t.Fatalf("committed invalid config")
	}
}

func validConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Timezone: "UTC"},
		JobStores: map[string]JobStoreConfig{"default": {Driver: "memory"}},
		Executors: map[string]ExecutorConfig{"default": {Type: "pool"}},
		Jobs: []JobConfig{
			{ID: "tick", Func: "log", Schedule: "@every 10s"},
		},
	}
}
