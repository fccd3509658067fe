package stream

import (
	"context"
	"time"

	"github.com/clsferguson/proximeter/internal/mailbox"
	"github.com/clsferguson/proximeter/internal/types"
)

// RateLimiter enforces a hard FPS cap with a drop-oldest policy. Incoming
// frames are drained into a single-slot mailbox as fast as they arrive, so
// the producer is never blocked; a ticker releases the latest frame at most
// once per interval. A frame is released the tick after it arrives, never
// delayed further, so latency cannot accumulate.
type RateLimiter struct {
	interval time.Duration
	latest   *mailbox.Mailbox[types.Frame]
	out      chan types.Frame
}

// NewRateLimiter creates a limiter for the given target FPS.
func NewRateLimiter(targetFPS float64) *RateLimiter {
	if targetFPS <= 0 {
		targetFPS = 1
	}
	return &RateLimiter{
		interval: time.Duration(float64(time.Second) / targetFPS),
		latest:   mailbox.New[types.Frame](),
		out:      make(chan types.Frame),
	}
}

// Interval returns the minimum spacing between emitted frames.
func (rl *RateLimiter) Interval() time.Duration {
	return rl.interval
}

// Out returns the capped frame channel. Closed when Run returns.
func (rl *RateLimiter) Out() <-chan types.Frame {
	return rl.out
}

// Dropped returns the number of frames discarded by the cap.
func (rl *RateLimiter) Dropped() uint64 {
	return rl.latest.Drops()
}

// Run consumes frames from in until it closes or the context is done.
// Blocks; call from its own goroutine.
func (rl *RateLimiter) Run(ctx context.Context, in <-chan types.Frame) {
	defer close(rl.out)

	// Drain the producer independently of the emit cadence.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for f := range in {
			rl.latest.Put(f)
		}
	}()

	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rl.latest.Close()
			return
		case <-drained:
			rl.latest.Close()
			// Flush the final frame if one is pending, held to the next
			// tick so teardown keeps the output spacing.
			if f, ok := rl.latest.TryTake(); ok {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
				select {
				case rl.out <- f:
				case <-ctx.Done():
				}
			}
			return
		case <-ticker.C:
			f, ok := rl.latest.TryTake()
			if !ok {
				continue
			}
			select {
			case rl.out <- f:
			case <-ctx.Done():
				rl.latest.Close()
				return
			}
		}
	}
}
