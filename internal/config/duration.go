package config

import (
	"fmt"
	"strings"
	"time"
)

// parseDuration returns ok=false for a blank value.
func parseDuration(path, raw string) (d time.Duration, ok bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	if d, err = time.ParseDuration(s); err != nil {
		return 0, false, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	return d, true, nil
}

// ParseDurationField parses a non-negative duration; blank is zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, _, err := parseDuration(path, raw)
	if err == nil && d < 0 {
		err = fmt.Errorf("%s: duration must be >= 0", path)
	}
	return max(d, 0), err
}

// ParseDurationOrDefault is ParseDurationField with def standing in for
// blank or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// ParseGraceTime parses a misfire grace time. Any negative value means no
// limit and is returned as -1; blank returns ok=false.
func ParseGraceTime(path, raw string) (time.Duration, bool, error) {
	d, ok, err := parseDuration(path, raw)
	if err != nil || !ok {
		return 0, false, err
	}
	return max(d, -1), true, nil
}
