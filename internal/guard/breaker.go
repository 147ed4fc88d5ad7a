package guard

import (
	"sync"
	"time"
)

// Breaker is a consecutive-failure circuit breaker guarding the generative
// backend. After threshold consecutive failures the circuit opens for the
// cooldown period; the first call after the cooldown elapses is allowed
// through and its outcome decides whether the circuit stays closed.
type Breaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
	threshold int
	cooldown  time.Duration
	onChange  func(open bool)
	now       func() time.Time
}

// NewBreaker builds a breaker that opens after threshold consecutive
// failures for the given cooldown. onChange, if non-nil, is invoked on every
// open/close transition (used to drive the metrics gauge).
func NewBreaker(threshold int, cooldown time.Duration, onChange func(open bool)) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		onChange:  onChange,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return true
	}
	if b.now().Before(b.openUntil) {
		return false
	}
	// Cooldown elapsed: half-open. Let one call through; Success/Failure
	// decides what happens next.
	b.openUntil = time.Time{}
	b.failures = b.threshold - 1
	if b.onChange != nil {
		b.onChange(false)
	}
	return true
}

// Success records a successful call, stepping the failure count back toward
// zero.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
	}
}

// Failure records a failed call and opens the circuit once the threshold is
// reached.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold && b.openUntil.IsZero() {
		b.openUntil = b.now().Add(b.cooldown)
		if b.onChange != nil {
			b.onChange(true)
		}
	}
}

// Open reports whether the circuit is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && b.now().Before(b.openUntil)
}
