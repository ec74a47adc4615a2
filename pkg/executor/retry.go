package executor

import (
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy controls re-running a failed body inside the pool. Retries
// happen on the same worker, before the outcome is reported.
type RetryPolicy struct {
	Max      int // extra attempts; 0 disables retries
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64 // 0.2 = ±20%
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Max < 0 {
		p.Max = 0
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// delay returns the wait before attempt retry+1. A RetryAfter hint
// replaces the exponential step; jitter applies to both.
func (p RetryPolicy) delay(retry int, err error, rng *rand.Rand) time.Duration {
	var d time.Duration
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = p.Base
		for i := 1; i < retry && d < p.MaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, p.MaxDelay)
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), p.MaxDelay)
}
