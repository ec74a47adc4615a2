// Package builtin provides the job funcs the daemon registers by default.
//
// Funcs read their parameters from kwargs (and, for command-like funcs,
// from args). Parameters are validated on every run so a bad job fails
// with a clear error instead of doing something surprising.
package builtin

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"pewcron/pkg/job"
	"pewcron/pkg/logx"
)

// Func refs registered by Register.
const (
	RefLog            = "log"
	RefExec           = "exec"
	RefHTTPGet        = "http.get"
	RefSystemdRecover = "systemd.recover"
)

const (
	defaultExecTimeout = time.Minute
	defaultHTTPTimeout = 10 * time.Second
	maxOutput          = 4 << 10
)

// Options tunes the builtin funcs. Zero values pick defaults.
type Options struct {
	Logger      logx.Logger
	HTTPClient  *http.Client
	ExecTimeout time.Duration

	// systemctl runs one systemctl invocation; tests replace it.
	systemctl systemctlFunc
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = defaultExecTimeout
	}
	if o.systemctl == nil {
		o.systemctl = defaultSystemctl()
	}
	return o
}

// Register adds every builtin func to r.
func Register(r *job.Registry, opts Options) error {
	opts = opts.withDefaults()
	log := opts.Logger.With(logx.String("comp", "builtin"))

	funcs := []struct {
		ref string
		fn  job.Func
	}{
		{RefLog, logFunc(log)},
		{RefExec, execFunc(opts.ExecTimeout)},
		{RefHTTPGet, httpGetFunc(opts.HTTPClient)},
		{RefSystemdRecover, recoverFunc(log, opts.systemctl)},
	}
	for _, f := range funcs {
		if err := r.Register(f.ref, f.fn); err != nil {
			return err
		}
	}
	return nil
}

func kwString(kwargs map[string]any, key string) (string, error) {
	v, ok := kwargs[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("kwargs.%s: want string, got %T", key, v)
	}
	return strings.TrimSpace(s), nil
}

func kwDuration(kwargs map[string]any, key string, def time.Duration) (time.Duration, error) {
	s, err := kwString(kwargs, key)
	if err != nil || s == "" {
		return def, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("kwargs.%s: %w", key, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func kwInt(kwargs map[string]any, key string) (int64, bool, error) {
	v, ok := kwargs[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int64:
		return n, true, nil
	case int:
		return int64(n), true, nil
	default:
		return 0, false, fmt.Errorf("kwargs.%s: want integer, got %T", key, v)
	}
}

func argStrings(args []any) ([]string, error) {
	out := make([]string, 0, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			out = append(out, v)
		case int64, float64, bool:
			out = append(out, fmt.Sprint(v))
		default:
			return nil, fmt.Errorf("args[%d]: want scalar, got %T", i, a)
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
