package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("component", "scheduler"))
	log.Info("job added", String("job_id", "a"), Int("n", 2), Err(errors.New("boom")), Time("zero", time.Time{}))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if m["component"] != "scheduler" || m["job_id"] != "a" || m["err"] != "boom" {
		t.Fatalf("fields = %v", m)
	}
	if _, ok := m["zero"]; ok {
		t.Fatalf("zero time should be omitted: %v", m)
	}
	if m["message"] != "job added" {
		t.Fatalf("message = %v, want job added", m["message"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatalf("Enabled(debug) = true at warn level")
	}
	var zero Logger
	zero.Error("nothing happens")
	if !zero.IsZero() {
		t.Fatalf("zero Logger IsZero() = false")
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","time":"x","message":"job misfired","job_id":"a","late":"3s"}`)
	got := formatAlert(line)
	want := "[WARN] job misfired\n- job_id=a\n- late=3s"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if got := formatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatAlert(raw) = %q", got)
	}
	long := strings.Repeat("x", alertMaxLen+50)
	if got := formatAlert([]byte(long)); len(got) != alertMaxLen {
		t.Fatalf("len = %d, want %d", len(got), alertMaxLen)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestServiceAlertSink(t *testing.T) {
	t.Parallel()

	snd := &recordingSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}}, snd)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("store unavailable", String("store", "default"))

	select {
	case <-snd.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("alert not delivered")
	}
	snd.mu.Lock()
	defer snd.mu.Unlock()
	if len(snd.msgs) != 1 || !strings.HasPrefix(snd.msgs[0], "[ERROR] store unavailable") {
		t.Fatalf("alerts = %q", snd.msgs)
	}
}
