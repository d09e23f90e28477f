package chain

import (
	"math/rand"
	"time"
)

// backoff implements jittered exponential delays. Both the tailer and the
// publisher retry with it; neither ever advances state while backing off.
type backoff struct {
	current time.Duration
	initial time.Duration
	max     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{current: initial, initial: initial, max: max}
}

// Next returns the delay to sleep before the next attempt and doubles the
// internal state, capped at max. Jitter is ±25%.
func (b *backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

// Reset returns the backoff to its initial delay after a success.
func (b *backoff) Reset() {
	b.current = b.initial
}
