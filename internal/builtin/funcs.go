package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"pewcron/pkg/job"
	"pewcron/pkg/logx"
)

// logFunc writes kwargs.message at kwargs.level (info by default).
func logFunc(log logx.Logger) job.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		msg, err := kwString(kwargs, "message")
		if err != nil {
			return nil, err
		}
		if msg == "" {
			parts, err := argStrings(args)
			if err != nil {
				return nil, err
			}
			msg = strings.Join(parts, " ")
		}
		if msg == "" {
			return nil, errors.New("log: message required")
		}
		level, err := kwString(kwargs, "level")
		if err != nil {
			return nil, err
		}
		switch logx.ParseLevel(level) {
		case logx.LevelTrace:
			log.Trace(msg)
		case logx.LevelDebug:
			log.Debug(msg)
		case logx.LevelWarn:
			log.Warn(msg)
		case logx.LevelError:
			log.Error(msg)
		default:
			log.Info(msg)
		}
		return nil, nil
	}
}

// execFunc runs args[0] with args[1:] and returns the combined output.
// kwargs: timeout, dir.
func execFunc(defTimeout time.Duration) job.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		argv, err := argStrings(args)
		if err != nil {
			return nil, err
		}
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return nil, errors.New("exec: command required in args")
		}
		timeout, err := kwDuration(kwargs, "timeout", defTimeout)
		if err != nil {
			return nil, err
		}
		dir, err := kwString(kwargs, "dir")
		if err != nil {
			return nil, err
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		cmd.WaitDelay = time.Second
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err = cmd.Run()
		text := truncate(strings.TrimSpace(out.String()), maxOutput)
		if err != nil {
			if cctx.Err() != nil && ctx.Err() == nil {
				return text, fmt.Errorf("exec %s: timed out after %s", argv[0], timeout)
			}
			if text != "" {
				return text, fmt.Errorf("exec %s: %w: %s", argv[0], err, text)
			}
			return text, fmt.Errorf("exec %s: %w", argv[0], err)
		}
		return text, nil
	}
}

// httpGetFunc GETs kwargs.url and returns the status code. Statuses of 400
// and above fail unless kwargs.expect_status names the status exactly.
func httpGetFunc(client *http.Client) job.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		url, err := kwString(kwargs, "url")
		if err != nil {
			return nil, err
		}
		if url == "" {
			return nil, errors.New("http.get: kwargs.url required")
		}
		timeout, err := kwDuration(kwargs, "timeout", defaultHTTPTimeout)
		if err != nil {
			return nil, err
		}
		expect, hasExpect, err := kwInt(kwargs, "expect_status")
		if err != nil {
			return nil, err
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("http.get: %w", err)
		}
		req.Header.Set("User-Agent", "pewcron")
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http.get %s: %w", url, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

		code := int64(resp.StatusCode)
		switch {
		case hasExpect && code != expect:
			return code, fmt.Errorf("http.get %s: status %d, want %d", url, code, expect)
		case !hasExpect && code >= 400:
			return code, fmt.Errorf("http.get %s: status %d", url, code)
		}
		return code, nil
	}
}
