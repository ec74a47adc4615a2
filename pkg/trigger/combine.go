package trigger

import (
	"fmt"
	"strings"
	"time"
)

// maxAndSteps bounds how far And advances its members looking for a common
// fire time.
const maxAndSteps = 10000

// And fires when every member fires at the same instant.
type And struct {
	members []Trigger
}

func NewAnd(members ...Trigger) (*And, error) {
	if err := checkMembers(KindAnd, members); err != nil {
		return nil, err
	}
	return &And{members: append([]Trigger(nil), members...)}, nil
}

// NextFireTime merge-joins the members' own sequences: a member behind the
// current maximum is advanced from its own previous candidate, never from
// another member's time.
func (a *And) NextFireTime(prev, now time.Time) time.Time {
	cand := make([]time.Time, len(a.members))
	for i, m := range a.members {
		cand[i] = m.NextFireTime(prev, now)
		if cand[i].IsZero() {
			return time.Time{}
		}
	}

	for steps := 0; steps < maxAndSteps; {
		hi := cand[0]
		for _, c := range cand[1:] {
			if c.After(hi) {
				hi = c
			}
		}
		agree := true
		for i, m := range a.members {
			for cand[i].Before(hi) {
				if steps++; steps >= maxAndSteps {
					return time.Time{}
				}
				cand[i] = m.NextFireTime(cand[i], now)
				if cand[i].IsZero() {
					return time.Time{}
				}
			}
			if !cand[i].Equal(hi) {
				agree = false
			}
		}
		if agree {
			return hi
		}
	}
	return time.Time{}
}

func (a *And) Spec() Spec         { return combinedSpec(KindAnd, a.members) }
func (a *And) String() string     { return combinedString("and", a.members) }
func (a *And) Members() []Trigger { return append([]Trigger(nil), a.members...) }

// Or fires whenever any member fires. Each member answers with its own
// first fire time after the combined prev, so the result is the union of
// the member schedules. An Interval member needs a Start for that to hold;
// without one it is anchored at whatever fired last.
type Or struct {
	members []Trigger
}

func NewOr(members ...Trigger) (*Or, error) {
	if err := checkMembers(KindOr, members); err != nil {
		return nil, err
	}
	return &Or{members: append([]Trigger(nil), members...)}, nil
}

func (o *Or) NextFireTime(prev, now time.Time) time.Time {
	var earliest time.Time
	for _, m := range o.members {
		c := m.NextFireTime(prev, now)
		if c.IsZero() {
			continue
		}
		if earliest.IsZero() || c.Before(earliest) {
			earliest = c
		}
	}
	return earliest
}

func (o *Or) Spec() Spec         { return combinedSpec(KindOr, o.members) }
func (o *Or) String() string     { return combinedString("or", o.members) }
func (o *Or) Members() []Trigger { return append([]Trigger(nil), o.members...) }

func checkMembers(kind Kind, members []Trigger) error {
	if len(members) == 0 {
		return fmt.Errorf("%w: %s trigger needs at least one member", ErrInvalid, kind)
	}
	for i, m := range members {
		if m == nil {
			return fmt.Errorf("%w: %s member %d is nil", ErrInvalid, kind, i)
		}
	}
	return nil
}

func combinedSpec(kind Kind, members []Trigger) Spec {
	specs := make([]Spec, len(members))
	for i, m := range members {
		specs[i] = m.Spec()
	}
	return Spec{Kind: kind, Triggers: specs}
}

func combinedString(name string, members []Trigger) string {
	parts := make([]string, len(members))
	for i, m := range members {
		parts[i] = m.String()
	}
	return name + "[" + strings.Join(parts, ", ") + "]"
}
