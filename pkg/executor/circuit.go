package executor

import (
	"sync"
	"time"
)

// CircuitPolicy is a consecutive-failure breaker keyed by job id. After
// TripFailures failed runs in a row, new runs of that job are rejected
// for a cooldown that starts at BaseDelay and doubles per further failure
// up to MaxDelay. A success closes the circuit; so does a quiet period of
// ResetAfter since the last failure.
type CircuitPolicy struct {
	TripFailures int // 0 disables the breaker
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (p CircuitPolicy) withDefaults() CircuitPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 5 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Minute
	}
	if p.ResetAfter <= 0 {
		p.ResetAfter = 5 * time.Minute
	}
	return p
}

type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuits struct {
	policy CircuitPolicy

	mu sync.Mutex
	m  map[string]*circuitState
}

func (c *circuits) enabled() bool { return c.policy.TripFailures > 0 }

// stateLocked returns the state for id after applying the quiet-period
// reset.
func (c *circuits) stateLocked(id string, now time.Time) *circuitState {
	if c.m == nil {
		c.m = map[string]*circuitState{}
	}
	st := c.m[id]
	if st == nil {
		st = &circuitState{}
		c.m[id] = st
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > c.policy.ResetAfter {
		*st = circuitState{}
	}
	return st
}

func (c *circuits) open(id string, now time.Time) (bool, time.Time) {
	if !c.enabled() {
		return false, time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(id, now)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (c *circuits) record(id string, now time.Time, failed bool) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(id, now)
	if !failed {
		delete(c.m, id)
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < c.policy.TripFailures {
		return
	}
	d := c.policy.BaseDelay
	for i := c.policy.TripFailures; i < st.fails && d < c.policy.MaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, c.policy.MaxDelay))
}

// openCount reports how many circuits are currently open.
func (c *circuits) openCount(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.m {
		if now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
