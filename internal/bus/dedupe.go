package bus

import (
	"sync"
	"time"
)

// DedupeCache is a TTL-bounded set of recently seen message keys.
// Webhook retries and long-poll restarts can deliver the same update
// twice; the cache keeps one agent run per delivery.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewDedupeCache creates a cache that remembers keys for ttl and holds
// at most maxSize entries (oldest evicted first when full).
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// IsDuplicate reports whether key was seen within the TTL, recording it
// as seen either way.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		c.seen[key] = now
		return true
	}

	if len(c.seen) >= c.maxSize {
		c.evictLocked(now)
	}
	c.seen[key] = now
	return false
}

// evictLocked drops expired entries, then the oldest entry if the cache
// is still full. Caller holds c.mu.
func (c *DedupeCache) evictLocked(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	if len(c.seen) < c.maxSize {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	for k, at := range c.seen {
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	delete(c.seen, oldestKey)
}
