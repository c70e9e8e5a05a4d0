package lock

import "time"

// backoff calculates an exponential backoff between attempts to take
// a lock.
type backoff struct {
	initial time.Duration
	max     time.Duration

	current time.Duration
}

// Failure should be called each time an attempt fails.
func (b *backoff) Failure() {
	b.current *= 2
	if b.current == 0 {
		b.current = b.initial
	} else if b.current > b.max {
		b.current = b.max
	}
}

// Wait how long to sleep before the next attempt.
func (b *backoff) Wait() time.Duration {
	return b.current
}
