package stream

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Base capped at
// Cap, with full jitter so a fleet of cameras does not reconnect in lockstep.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff matches the reconnect policy: base 1s, cap 30s.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 30 * time.Second}
}

// Next returns the delay before the given attempt (1-based). The returned
// value is uniform in [0, min(cap, base*2^(attempt-1))].
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceil := b.Cap
	// Guard the shift against overflow for long outages.
	if attempt < 32 {
		d := b.Base << uint(attempt-1)
		if d < ceil {
			ceil = d
		}
	}
	if ceil <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceil) + 1))
}
