package nlu

import (
	"math/rand"
	"time"
)

// RetryPolicy is an explicit bounded-retry policy: max attempts, base delay
// doubled per attempt, plus jitter. It exists as a value object so backoff
// behavior is testable apart from the transport call it wraps.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy suits a user-facing call: fail fast, retry once or
// twice, never stall a chat turn for long.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, Jitter: 250 * time.Millisecond}
}

// Attempts returns the number of attempts to make, at least one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns how long to wait before the given retry (attempt is
// zero-based; the wait precedes attempt n+1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}
