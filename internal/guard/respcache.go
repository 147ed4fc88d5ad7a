package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
)

// CachedReply is a response cache entry.
type CachedReply struct {
	Text     string
	Language language.Tag
	StoredAt time.Time
}

// ResponseCache holds recent generative replies keyed by a normalized-input
// hash so identical questions within the TTL skip the backend entirely.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]CachedReply
	ttl     time.Duration
	now     func() time.Time
}

// NewResponseCache builds a response cache with the given TTL.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]CachedReply),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Key derives the cache key for a user input: lowercase, whitespace
// collapsed, hashed. The same key feeds the in-flight de-duplicator so a
// cache miss and its pending call share one identity.
func Key(input string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(input)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// Get returns the cached reply for key if present and unexpired.
func (c *ResponseCache) Get(key string) (CachedReply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return CachedReply{}, false
	}
	if c.now().Sub(entry.StoredAt) > c.ttl {
		delete(c.entries, key)
		return CachedReply{}, false
	}
	return entry, true
}

// Set stores a reply under key.
func (c *ResponseCache) Set(key, text string, lang language.Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = CachedReply{Text: text, Language: lang, StoredAt: c.now()}
}

// Flush drops every entry and returns how many were removed.
func (c *ResponseCache) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]CachedReply)
	return n
}

// Sweep removes expired entries.
func (c *ResponseCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.StoredAt) > c.ttl {
			delete(c.entries, key)
		}
	}
}
