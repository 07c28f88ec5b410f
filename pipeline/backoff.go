package pipeline

import "time"

// Backoff is a retry-with-cooldown schedule: an ordered sequence of delays
// consumed one per attempt, the last one repeating once attempts exceed the
// sequence length.
type Backoff struct {
	Delays []time.Duration
}

// DefaultBackoff returns the standard cooldown sequence.
func DefaultBackoff() Backoff {
	return Backoff{Delays: []time.Duration{
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
	}}
}

// Delay returns the cooldown before redelivering after the given attempt
// (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b.Delays) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(b.Delays) {
		return b.Delays[len(b.Delays)-1]
	}
	return b.Delays[attempt-1]
}
