// Package catalog caches the backend's language and speaker lists.
package catalog

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock func() time.Time

// Entry is a cached value and the time it was stored.
type Entry[T any] struct {
	Value     T
	Timestamp time.Time
}

// Cache is a keyed TTL cache. Entries are fresh while
// now - timestamp < ttl; stale entries stay readable until replaced.
type Cache[T any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     Clock
	entries map[string]Entry[T]
}

// NewCache creates a cache. A nil clock uses time.Now.
func NewCache[T any](ttl time.Duration, now Clock) *Cache[T] {
	if now == nil {
		now = time.Now
	}

	return &Cache[T]{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]Entry[T]),
	}
}

// Get returns the entry for key and whether it is still fresh. A stale
// entry is returned with fresh == false.
func (c *Cache[T]) Get(key string) (entry Entry[T], fresh bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok = c.entries[key]
	if !ok {
		return entry, false, false
	}

	return entry, c.now().Sub(entry.Timestamp) < c.ttl, true
}

// Set stores value under key, stamped with the current time.
func (c *Cache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = Entry[T]{Value: value, Timestamp: c.now()}
}

// Invalidate drops key.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}
