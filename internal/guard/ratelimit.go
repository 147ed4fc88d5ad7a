package guard

import (
	"sync"
	"time"
)

// RateLimiter implements token-bucket-by-window limiting per key. Each key
// gets a counter that resets when its window elapses; events are allowed
// while the counter stays below MaxEvents.
//
// Safe for concurrent use. Missing buckets are created on first sight, so
// Allow never fails.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*rateBucket
	anomalies map[string]int
	maxEvents int
	window    time.Duration
	now       func() time.Time
}

type rateBucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter builds a limiter allowing maxEvents per window per key.
func NewRateLimiter(maxEvents int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets:   make(map[string]*rateBucket),
		anomalies: make(map[string]int),
		maxEvents: maxEvents,
		window:    window,
		now:       time.Now,
	}
}

// Allow reports whether an event for key fits in the current window and
// consumes one slot when it does.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		l.buckets[key] = &rateBucket{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if b.count >= l.maxEvents {
		return false
	}
	b.count++
	return true
}

// RecordAnomaly bumps a coarse abuse counter for key. The counter is for
// out-of-band monitoring only and never blocks traffic.
func (l *RateLimiter) RecordAnomaly(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.anomalies[key]++
}

// Score returns the anomaly count recorded for key since the last sweep.
func (l *RateLimiter) Score(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anomalies[key]
}

// Sweep drops elapsed buckets and resets anomaly counters. Intended to be
// called periodically by the host process.
func (l *RateLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
		}
	}
	l.anomalies = make(map[string]int)
}
