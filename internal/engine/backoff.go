package engine

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before a retry attempt: exponential growth from
// a base delay, capped at a maximum, plus random jitter so multiple queued
// mutations or client instances don't retry in lockstep.
//
//	delay = min(base * 2^attempt, max) + jitter, jitter uniform in [0, base)
type Backoff struct {
	// Base is the delay for attempt 0 (default: 1s).
	Base time.Duration

	// Max caps the exponential component (default: 2m).
	Max time.Duration
}

// DefaultBackoff returns the standard retry policy.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 2 * time.Minute}
}

// Delay returns the backoff delay for the given attempt number, starting
// at zero.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 2 * time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	return delay + time.Duration(rand.Int63n(int64(base)))
}
