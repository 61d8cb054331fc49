package syncloop

import "time"

// Backoff is an exponential delay: Base * 2^(attempt-1), capped at Max. A
// zero Base disables it.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the attempt-th consecutive failure, counted
// from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 || attempt < 1 {
		return 0
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}
