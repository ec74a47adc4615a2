package trigger

import (
	"fmt"
	"time"
)

// Interval fires every Every, aligned to Start when one is given.
type Interval struct {
	every      time.Duration
	start, end time.Time
	loc        *time.Location
}

// NewInterval builds an interval trigger. Zero start means "first fire at
// the evaluation time"; zero end means unbounded.
func NewInterval(every time.Duration, start, end time.Time) (*Interval, error) {
	if every <= 0 {
		return nil, fmt.Errorf("%w: interval must be > 0, got %s", ErrInvalid, every)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalid, end, start)
	}
	loc := time.Local
	if !start.IsZero() {
		loc = start.Location()
	}
	return &Interval{every: every, start: start.Round(0), end: end.Round(0), loc: loc}, nil
}

// Every returns the interval length.
func (t *Interval) Every() time.Duration { return t.every }

// NextFireTime returns the first grid point strictly after prev. With a
// Start the grid is Start + k*Every; without one it is anchored at prev.
// A missed stretch is walked one occurrence at a time so the caller sees
// (and can report) every skipped run.
func (t *Interval) NextFireTime(prev, now time.Time) time.Time {
	var next time.Time
	switch {
	case !prev.IsZero() && t.start.IsZero():
		next = prev.Add(t.every)
	case !prev.IsZero():
		next = t.after(prev)
	case t.start.IsZero():
		next = now
	default:
		next = t.start
		if next.Before(now) {
			next = t.atOrAfter(now)
		}
	}
	if !t.end.IsZero() && next.After(t.end) {
		return time.Time{}
	}
	return next.In(t.loc)
}

// atOrAfter returns the first start + k*every that is not before ts.
func (t *Interval) atOrAfter(ts time.Time) time.Time {
	if !ts.After(t.start) {
		return t.start
	}
	d := ts.Sub(t.start)
	k := d / t.every
	if d%t.every != 0 {
		k++
	}
	return t.start.Add(k * t.every)
}

// after returns the first start + k*every strictly after ts.
func (t *Interval) after(ts time.Time) time.Time {
	if ts.Before(t.start) {
		return t.start
	}
	k := ts.Sub(t.start)/t.every + 1
	return t.start.Add(k * t.every)
}

// latest returns up to n grid points in [from, now], oldest first. from
// must be a fire time not after now.
func (t *Interval) latest(from, now time.Time, n int) []time.Time {
	anchor := t.start
	if anchor.IsZero() {
		anchor = from
	}
	limit := now
	if !t.end.IsZero() && t.end.Before(limit) {
		limit = t.end
	}
	last := anchor.Add(limit.Sub(anchor) / t.every * t.every)
	if last.Before(from) {
		return []time.Time{from}
	}
	out := make([]time.Time, 0, n)
	for i := n - 1; i >= 0; i-- {
		if x := last.Add(-time.Duration(i) * t.every); !x.Before(from) {
			out = append(out, x.In(t.loc))
		}
	}
	return out
}

func (t *Interval) Spec() Spec {
	return Spec{
		Kind:     KindInterval,
		Every:    t.every.String(),
		Start:    formatTime(t.start),
		End:      formatTime(t.end),
		Timezone: locationName(t.loc),
	}
}

func (t *Interval) String() string { return "interval[" + t.every.String() + "]" }
