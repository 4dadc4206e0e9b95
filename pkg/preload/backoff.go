package preload

import (
	"math"
	"time"
)

// Backoff computes retry delays for failed preloads.
type Backoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultBackoff is 1s doubling to a 16s cap, five retries.
var DefaultBackoff = Backoff{
	BaseDelay:  time.Second,
	MaxDelay:   16 * time.Second,
	MaxRetries: 5,
}

// Delay returns the wait before the given retry (1-based).
// Exponential: BaseDelay * 2^(retry-1), capped at MaxDelay. No jitter.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(b.BaseDelay) * math.Pow(2, float64(retry-1))

	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether no further retry is allowed after the given number of retries.
func (b Backoff) Exhausted(retries int) bool {
	return retries >= b.MaxRetries
}
