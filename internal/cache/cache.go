// Package cache provides a TTL cache for evaluation outcomes keyed by
// canonical command text.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL applies when no ttl is configured.
const DefaultTTL = 5 * time.Minute

// Entry is a cached evaluation outcome.
type Entry struct {
	Allowed      bool
	Reason       string
	ResolvedPath string
}

type item struct {
	entry   Entry
	expires time.Time
}

// Cache is a concurrency-safe TTL map. Expired entries are dropped lazily
// on Get; CleanupExpired sweeps the rest.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]item
	now     func() time.Time
}

// New creates a cache with the given ttl. A non-positive ttl falls back to
// DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]item),
		now:     time.Now,
	}
}

// Get returns the entry for key if present and unexpired. An expired entry
// is removed and reported as a miss.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.now().After(it.expires) {
		delete(c.entries, key)
		return Entry{}, false
	}
	return it.entry, true
}

// Put stores the entry under key, overwriting any previous value and
// resetting its expiry.
func (c *Cache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = item{entry: e, expires: c.now().Add(c.ttl)}
}

// CleanupExpired removes all expired entries and returns how many were
// dropped.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for key, it := range c.entries {
		if now.After(it.expires) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// Clear empties the cache. Called when the rule set changes so stale
// decisions cannot outlive the rules that produced them.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]item)
}

// Len returns the number of entries, including any not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
