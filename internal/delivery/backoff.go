package delivery

import "time"

const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Backoff is capped exponential backoff: Delay(n) = min(Max, Base * 2^n).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(n int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if n < 0 {
		n = 0
	}
	if n >= 62 || base > max>>uint(n) {
		return max
	}
	return base << uint(n)
}
