package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse turns a config-file schedule string into a trigger.
//
// Supported forms:
//   - cron: "*/5 * * * *", "0 30 9 * * MON-FRI", "@hourly", "CRON_TZ=Asia/Jakarta 0 9 * * *"
//   - interval: "55m", "2h30m", "@every 10s", or HH:MM as a duration ("02:30" is 2h30m)
//   - date: "date:2026-01-02T15:04:05+07:00"
//
// Explicit prefixes "cron:", "interval:", "every:" and "date:" skip the
// heuristics. loc applies to cron expressions without CRON_TZ.
func Parse(raw string, loc *time.Location) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: schedule required", ErrInvalid)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return NewCron(s[len("cron:"):], loc)
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	case strings.HasPrefix(low, "@every "):
		return parseEvery(s[len("@every "):])
	case strings.HasPrefix(low, "date:"):
		at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s[len("date:"):]))
		if err != nil {
			return nil, fmt.Errorf("%w: date %q: %v", ErrInvalid, raw, err)
		}
		return NewDate(at), nil
	}

	// Whitespace or a leading '@' means cron; anything else must be a duration.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return NewCron(s, loc)
	}
	if it, err := parseEvery(s); err == nil {
		return it, nil
	}
	return nil, fmt.Errorf(
		"%w: schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')",
		ErrInvalid, raw,
	)
}

func parseEvery(v string) (*Interval, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("%w: interval required", ErrInvalid)
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("%w: invalid minutes in %q", ErrInvalid, v)
		}
		return NewInterval(time.Duration(hh)*time.Hour+time.Duration(mm)*time.Minute, time.Time{}, time.Time{})
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("%w: interval %q: %v", ErrInvalid, v, err)
	}
	return NewInterval(d, time.Time{}, time.Time{})
}
