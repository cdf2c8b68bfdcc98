package router

import (
	"sync"
	"time"
)

// sweepThreshold is the size at which Put first drops expired entries.
const sweepThreshold = 1024

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

// ttlCache is a map whose entries expire individually. Every operation holds
// the lock only for the map access itself.
type ttlCache[V any] struct {
	mu      sync.Mutex
	entries map[string]cacheEntry[V]
	now     func() time.Time
}

func newTTLCache[V any](now func() time.Time) *ttlCache[V] {
	return &ttlCache[V]{
		entries: make(map[string]cacheEntry[V]),
		now:     now,
	}
}

// Get returns the value stored under key if it is younger than its ttl.
// Expired entries are removed.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.storedAt) >= e.ttl {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key for ttl.
func (c *ttlCache[V]) Put(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= sweepThreshold {
		c.sweepLocked(now)
	}
	c.entries[key] = cacheEntry[V]{value: value, storedAt: now, ttl: ttl}
}

// Len counts live entries.
func (c *ttlCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return len(c.entries)
}

// Each calls fn for every live entry under the lock; fn must not call back
// into the cache.
func (c *ttlCache[V]) Each(fn func(key string, value V, storedAt time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	for k, e := range c.entries {
		fn(k, e.value, e.storedAt)
	}
}

func (c *ttlCache[V]) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= e.ttl {
			delete(c.entries, k)
		}
	}
}
