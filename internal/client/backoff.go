// Package client is the dashboard-side session library: a signaling client
// that keeps one socket per session alive, re-dialing after drops with
// bounded, jittered exponential backoff while preserving session identity.
package client

import (
	"math/rand"
	"time"
)

// RetryPolicy is an explicit reconnect policy: attempt budget, backoff
// curve, jitter. No nested timers, no captured closures.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	Factor      float64
	Jitter      float64 // fraction of the delay, applied as ± spread
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Second,
		Cap:         30 * time.Second,
		Factor:      2,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Delay returns the backoff before retry number attempt (0-based):
// Base*Factor^attempt, capped, then jittered by ±Jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether the attempt budget is spent.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
