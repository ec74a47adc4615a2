package builtin

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"pewcron/pkg/job"
	"pewcron/pkg/logx"
)

type systemctlFunc func(ctx context.Context, args ...string) (string, error)

func runSystemctl(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "systemctl", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// unitActive asks systemd for the unit state. is-active exits non-zero for
// anything but "active", so only the printed state is trusted.
func unitActive(ctx context.Context, run systemctlFunc, unit string) (string, bool) {
	state, _ := run(ctx, "is-active", unit)
	if state == "" {
		state = "unknown"
	}
	return state, state == "active"
}

// recoverFunc restarts every unit in args that is not active and returns
// the units it restarted. kwargs.timeout bounds each restart.
func recoverFunc(log logx.Logger, run systemctlFunc) job.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		units, err := argStrings(args)
		if err != nil {
			return nil, err
		}
		if len(units) == 0 {
			return nil, errors.New("systemd.recover: units required in args")
		}
		timeout, err := kwDuration(kwargs, "timeout", 30*time.Second)
		if err != nil {
			return nil, err
		}

		restarted := []any{}
		var errs []error
		for _, unit := range units {
			unit = strings.TrimSpace(unit)
			if unit == "" {
				continue
			}
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			state, ok := unitActive(ctx, run, unit)
			if ok {
				continue
			}
			log.Warn("unit down, restarting", logx.String("unit", unit), logx.String("state", state))

			rctx, cancel := context.WithTimeout(ctx, timeout)
			out, err := run(rctx, "restart", unit)
			cancel()
			if err != nil {
				if out != "" {
					err = fmt.Errorf("%w: %s", err, truncate(out, 512))
				}
				errs = append(errs, fmt.Errorf("restart %s: %w", unit, err))
				continue
			}
			if state, ok := unitActive(ctx, run, unit); !ok {
				errs = append(errs, fmt.Errorf("restart %s: unit is %s after restart", unit, state))
				continue
			}
			log.Info("unit recovered", logx.String("unit", unit))
			restarted = append(restarted, unit)
		}
		return restarted, errors.Join(errs...)
	}
}
