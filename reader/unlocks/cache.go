package unlocks

import (
	"sync"
	"time"
)

type cacheEntry struct {
	body    []byte
	expires time.Time
}

// responseCache is a TTL cache of raw API response bodies keyed by request
// URL. It is safe for concurrent use.
type responseCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	now func() time.Time

	entries map[string]cacheEntry
}

func newResponseCache(ttl time.Duration) *responseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &responseCache{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]cacheEntry{},
	}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		c.mu.Lock()
		// re-check under the write lock; a fresh entry may have landed
		if current, ok := c.entries[key]; ok && c.now().After(current.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.body, true
}

func (c *responseCache) set(key string, body []byte) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{body: body, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *responseCache) purge() {
	c.mu.Lock()
	c.entries = map[string]cacheEntry{}
	c.mu.Unlock()
}
