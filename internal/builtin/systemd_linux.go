//go:build linux

package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

// defaultSystemctl talks to systemd over D-Bus and falls back to the
// systemctl binary when the bus is unavailable (containers, no root).
func defaultSystemctl() systemctlFunc {
	return func(ctx context.Context, args ...string) (string, error) {
		if len(args) != 2 {
			return runSystemctl(ctx, args...)
		}
		conn, err := dbus.NewSystemConnectionContext(ctx)
		if err != nil {
			return runSystemctl(ctx, args...)
		}
		defer conn.Close()

		unit := unitName(args[1])
		switch args[0] {
		case "is-active":
			st, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
			if err != nil {
				return "", err
			}
			if len(st) == 0 || st[0].LoadState == "not-found" {
				return "inactive", fmt.Errorf("unit %s not found", unit)
			}
			if st[0].ActiveState != "active" {
				return st[0].ActiveState, fmt.Errorf("unit %s is %s", unit, st[0].ActiveState)
			}
			return st[0].ActiveState, nil
		case "restart":
			done := make(chan string, 1)
			if _, err := conn.RestartUnitContext(ctx, unit, "replace", done); err != nil {
				return "", err
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case res := <-done:
				if res != "done" {
					return res, fmt.Errorf("restart job %s", res)
				}
				return "", nil
			}
		default:
			return runSystemctl(ctx, args...)
		}
	}
}

func unitName(s string) string {
	if strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}
