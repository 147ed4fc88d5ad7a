package guard

import (
	"sync"
	"time"
)

// ReplayCache suppresses redelivered transport events. Message ids are
// remembered for a TTL that must exceed the platform's maximum redelivery
// window; within that window every repeat sighting is rejected.
type ReplayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewReplayCache builds a replay cache with the given entry TTL.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	return &ReplayCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Seen reports whether id was already recorded within the TTL, recording it
// when unseen. Expired entries are pruned lazily on every call.
func (c *ReplayCache) Seen(id string) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, key)
		}
	}

	if expiry, ok := c.entries[id]; ok && now.Before(expiry) {
		return true
	}
	c.entries[id] = now.Add(c.ttl)
	return false
}

// Len returns the number of live entries, for monitoring.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes expired entries in bulk.
func (c *ReplayCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, key)
		}
	}
}
