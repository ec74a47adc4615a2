package builtin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"pewcron/pkg/job"
	"pewcron/pkg/logx"
)

func TestRegister(t *testing.T) {
	t.Parallel()

	r := job.NewRegistry()
	if err := Register(r, Options{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	want := []string{RefExec, RefHTTPGet, RefLog, RefSystemdRecover}
	if got := r.Names(); !slices.Equal(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	if err := Register(r, Options{}); err == nil {
		t.Fatal("second Register() error = nil, want duplicate error")
	}
}

func TestLogFunc(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	fn := logFunc(logx.NewJSON(&buf, "debug"))

	tests := []struct {
		name    string
		args    []any
		kwargs  map[string]any
		want    string
		wantErr bool
	}{
		{name: "message", kwargs: map[string]any{"message": "hello", "level": "warn"}, want: `"level":"warn"`},
		{name: "args joined", args: []any{"a", int64(2)}, want: `"message":"a 2"`},
		{name: "empty", wantErr: true},
		{name: "bad type", kwargs: map[string]any{"message": int64(1)}, wantErr: true},
	}
	for _, tt := range tests {
		buf.Reset()
		_, err := fn(context.Background(), tt.args, tt.kwargs)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if tt.want != "" && !strings.Contains(buf.String(), tt.want) {
			t.Fatalf("%s: output = %q, want containing %q", tt.name, buf.String(), tt.want)
		}
	}
}

func TestExecFunc(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	fn := execFunc(5 * time.Second)

	out, err := fn(context.Background(), []any{"sh", "-c", "echo hi; echo err >&2"}, nil)
	if err != nil {
		t.Fatalf("exec error = %v", err)
	}
	if got := out.(string); got != "hi\nerr" {
		t.Fatalf("exec output = %q, want %q", got, "hi\nerr")
	}

	if _, err := fn(context.Background(), []any{"sh", "-c", "exit 3"}, nil); err == nil {
		t.Fatal("exit 3 error = nil, want error")
	}

	_, err = fn(context.Background(), []any{"sh", "-c", "sleep 5"}, map[string]any{"timeout": "50ms"})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("timeout error = %v, want timed out", err)
	}

	if _, err := fn(context.Background(), nil, nil); err == nil {
		t.Fatal("missing command error = nil, want error")
	}
}

func TestHTTPGetFunc(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusNoContent)
		case "/gone":
			w.WriteHeader(http.StatusGone)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	fn := httpGetFunc(srv.Client())
	tests := []struct {
		name    string
		kwargs  map[string]any
		want    any
		wantErr bool
	}{
		{"ok", map[string]any{"url": srv.URL + "/ok"}, int64(204), false},
		{"error status", map[string]any{"url": srv.URL + "/gone"}, int64(410), true},
		{"expected error status", map[string]any{"url": srv.URL + "/gone", "expect_status": int64(410)}, int64(410), false},
		{"unexpected success", map[string]any{"url": srv.URL + "/ok", "expect_status": int64(200)}, int64(204), true},
		{"missing url", nil, nil, true},
		{"bad timeout", map[string]any{"url": srv.URL, "timeout": "soon"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := fn(context.Background(), nil, tt.kwargs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeSystemctl struct {
	mu     sync.Mutex
	states map[string]string
	fail   map[string]bool
	calls  []string
}

func (f *fakeSystemctl) run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(args, " "))
	unit := args[1]
	switch args[0] {
	case "is-active":
		s := f.states[unit]
		if s == "active" {
			return s, nil
		}
		return s, errors.New("exit status 3")
	case "restart":
		if f.fail[unit] {
			return "Job failed", errors.New("exit status 1")
		}
		f.states[unit] = "active"
		return "", nil
	}
	return "", errors.New("unexpected")
}

func TestRecoverFunc(t *testing.T) {
	t.Parallel()

	f := &fakeSystemctl{
		states: map[string]string{"a.service": "active", "b.service": "failed", "c.service": "inactive"},
		fail:   map[string]bool{"c.service": true},
	}
	fn := recoverFunc(logx.Nop(), f.run)

	got, err := fn(context.Background(), []any{"a.service", "b.service", "c.service"}, nil)
	if err == nil || !strings.Contains(err.Error(), "restart c.service") {
		t.Fatalf("error = %v, want restart c.service failure", err)
	}
	if !slices.Equal(got.([]any), []any{"b.service"}) {
		t.Fatalf("restarted = %v, want [b.service]", got)
	}
	if slices.Contains(f.calls, "restart a.service") {
		t.Fatalf("restarted an active unit: %v", f.calls)
	}

	if _, err := fn(context.Background(), nil, nil); err == nil {
		t.Fatal("no units error = nil, want error")
	}
}
