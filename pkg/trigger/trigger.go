// Package trigger computes fire-time sequences for scheduled jobs.
//
// A Trigger is immutable and deterministic: the same (prev, now) pair always
// yields the same result, and a non-zero prev always yields a later time or
// the zero time when the sequence is exhausted.
package trigger

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid marks construction and decoding failures.
var ErrInvalid = errors.New("trigger: invalid")

type Trigger interface {
	// NextFireTime returns the first fire time after prev. A zero prev means
	// the job has never fired; now is the evaluation point. The zero time
	// means no further fire times exist.
	NextFireTime(prev, now time.Time) time.Time
	Spec() Spec
	String() string
}

type Kind string

const (
	KindDate     Kind = "date"
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindAnd      Kind = "and"
	KindOr       Kind = "or"
)

// Spec is the persisted, tagged form of a trigger. Only the fields that
// belong to Kind are set.
type Spec struct {
	Kind     Kind   `json:"kind" msgpack:"kind"`
	At       string `json:"at,omitempty" msgpack:"at,omitempty"`
	Every    string `json:"every,omitempty" msgpack:"every,omitempty"`
	Start    string `json:"start,omitempty" msgpack:"start,omitempty"`
	End      string `json:"end,omitempty" msgpack:"end,omitempty"`
	Expr     string `json:"expr,omitempty" msgpack:"expr,omitempty"`
	Timezone string `json:"timezone,omitempty" msgpack:"timezone,omitempty"`
	Triggers []Spec `json:"triggers,omitempty" msgpack:"triggers,omitempty"`
}

// FromSpec rebuilds a trigger from its persisted form.
func FromSpec(s Spec) (Trigger, error) {
	loc, err := loadLocation(s.Timezone)
	if err != nil {
		return nil, err
	}
	start, err := parseTime("start", s.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseTime("end", s.End)
	if err != nil {
		return nil, err
	}

	switch s.Kind {
	case KindDate:
		at, err := parseTime("at", s.At)
		if err != nil {
			return nil, err
		}
		if at.IsZero() {
			return nil, fmt.Errorf("%w: date trigger without at", ErrInvalid)
		}
		if s.Timezone != "" {
			at = at.In(loc)
		}
		return NewDate(at), nil
	case KindInterval:
		every, err := time.ParseDuration(s.Every)
		if err != nil {
			return nil, fmt.Errorf("%w: every %q: %v", ErrInvalid, s.Every, err)
		}
		it, err := NewInterval(every, start, end)
		if err != nil {
			return nil, err
		}
		if s.Timezone != "" {
			it.loc = loc
		}
		return it, nil
	case KindCron:
		c, err := NewCron(s.Expr, loc)
		if err != nil {
			return nil, err
		}
		return c.Between(start, end)
	case KindAnd, KindOr:
		members := make([]Trigger, 0, len(s.Triggers))
		for i, ms := range s.Triggers {
			m, err := FromSpec(ms)
			if err != nil {
				return nil, fmt.Errorf("%s member %d: %w", s.Kind, i, err)
			}
			members = append(members, m)
		}
		if s.Kind == KindAnd {
			return NewAnd(members...)
		}
		return NewOr(members...)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, s.Kind)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q: %v", ErrInvalid, field, s, err)
	}
	return t, nil
}
