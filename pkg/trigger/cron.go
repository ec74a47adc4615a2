package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronHorizonYears bounds the forward search so impossible expressions
// ("0 0 31 2 *") terminate. It spans at least one leap year.
const cronHorizonYears = 10

const starBit = 1 << 63

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cron matches calendar fields in a timezone. The expression syntax is
// robfig/cron's: five fields with an optional leading seconds field,
// @hourly-style descriptors and a CRON_TZ= prefix.
type Cron struct {
	expr       string
	sched      *cron.SpecSchedule
	loc        *time.Location
	start, end time.Time
}

// NewCron parses expr. loc is used unless expr carries its own CRON_TZ=
// prefix; nil means time.Local.
func NewCron(expr string, loc *time.Location) (*Cron, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalid)
	}
	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalid, expr, err)
	}
	sched, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: cron %q is a fixed delay; use an interval trigger", ErrInvalid, expr)
	}
	if !hasTZPrefix(expr) {
		if loc == nil {
			loc = time.Local
		}
		sched.Location = loc
	}
	return &Cron{expr: expr, sched: sched, loc: sched.Location}, nil
}

func hasTZPrefix(expr string) bool {
	return strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=")
}

// Between returns a copy restricted to [start, end]. Zero bounds are open.
func (c *Cron) Between(start, end time.Time) (*Cron, error) {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalid, end, start)
	}
	cp := *c
	cp.start, cp.end = start.Round(0), end.Round(0)
	return &cp, nil
}

func (c *Cron) Location() *time.Location { return c.loc }

func (c *Cron) NextFireTime(prev, now time.Time) time.Time {
	from, inclusive := prev, false
	if prev.IsZero() {
		from, inclusive = now, true
	}
	if !c.start.IsZero() && c.start.After(from) {
		from, inclusive = c.start, true
	}
	next := c.search(from, inclusive)
	if next.IsZero() || (!c.end.IsZero() && next.After(c.end)) {
		return time.Time{}
	}
	return next
}

// search walks wall-clock fields in UTC, where calendar arithmetic has no
// DST, and maps each matching wall time back to an instant in c.loc. Wall
// times inside a DST gap have no instant and are skipped. An ambiguous wall
// time only counts through its first instant, which must be after from.
func (c *Cron) search(from time.Time, inclusive bool) time.Time {
	w := wallClock(from.In(c.loc))
	if w.Nanosecond() > 0 {
		w = w.Truncate(time.Second).Add(time.Second)
	}
	limit := w.Year() + cronHorizonYears

	for {
		m, ok := c.nextWall(w, limit)
		if !ok {
			return time.Time{}
		}
		if inst, ok := resolveWall(m, c.loc); ok {
			if inst.After(from) || (inclusive && inst.Equal(from)) {
				return inst
			}
		}
		w = m.Add(time.Second)
	}
}

// nextWall returns the first wall time >= w matching the schedule. It is
// the robfig/cron field walk without the DST corrections, which search
// handles separately.
func (c *Cron) nextWall(w time.Time, limitYear int) (time.Time, bool) {
	s := c.sched
	added := false

WRAP:
	if w.Year() > limitYear {
		return time.Time{}, false
	}

	for 1<<uint(w.Month())&s.Month == 0 {
		if !added {
			added = true
			w = time.Date(w.Year(), w.Month(), 1, 0, 0, 0, 0, time.UTC)
		}
		w = w.AddDate(0, 1, 0)
		if w.Month() == time.January {
			goto WRAP
		}
	}

	for !dayMatches(s, w) {
		if !added {
			added = true
			w = time.Date(w.Year(), w.Month(), w.Day(), 0, 0, 0, 0, time.UTC)
		}
		w = w.AddDate(0, 0, 1)
		if w.Day() == 1 {
			goto WRAP
		}
	}

	for 1<<uint(w.Hour())&s.Hour == 0 {
		if !added {
			added = true
			w = w.Truncate(time.Hour)
		}
		w = w.Add(time.Hour)
		if w.Hour() == 0 {
			goto WRAP
		}
	}

	for 1<<uint(w.Minute())&s.Minute == 0 {
		if !added {
			added = true
			w = w.Truncate(time.Minute)
		}
		w = w.Add(time.Minute)
		if w.Minute() == 0 {
			goto WRAP
		}
	}

	for 1<<uint(w.Second())&s.Second == 0 {
		if !added {
			added = true
			w = w.Truncate(time.Second)
		}
		w = w.Add(time.Second)
		if w.Second() == 0 {
			goto WRAP
		}
	}

	return w, true
}

// dayMatches applies cron's day rule: when either day field is restricted
// (no star), a match on either one is enough.
func dayMatches(s *cron.SpecSchedule, t time.Time) bool {
	domMatch := 1<<uint(t.Day())&s.Dom > 0
	dowMatch := 1<<uint(t.Weekday())&s.Dow > 0
	if s.Dom&starBit > 0 || s.Dow&starBit > 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}

// wallClock copies t's wall-clock fields into a UTC time.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// resolveWall returns the earliest instant in loc whose wall clock equals w,
// or false when w falls into a gap. Offsets are sampled a day either side so
// both sides of a transition are considered.
func resolveWall(w time.Time, loc *time.Location) (time.Time, bool) {
	u := w.Unix()
	var best time.Time
	found := false
	for _, sample := range [...]int64{u - 86400, u, u + 86400} {
		_, off := time.Unix(sample, 0).In(loc).Zone()
		inst := time.Unix(u-int64(off), 0).In(loc)
		if !wallClock(inst).Equal(w) {
			continue
		}
		if !found || inst.Before(best) {
			best, found = inst, true
		}
	}
	return best, found
}

func (c *Cron) Spec() Spec {
	return Spec{
		Kind:     KindCron,
		Expr:     c.expr,
		Timezone: locationName(c.loc),
		Start:    formatTime(c.start),
		End:      formatTime(c.end),
	}
}

func (c *Cron) String() string {
	return "cron[" + c.expr + ", " + c.loc.String() + "]"
}
