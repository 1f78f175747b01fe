// Package cache provides the per-process memoization cache used by the
// entity stores. It is an explicit collaborator passed to every component
// that needs it, never a global. Entries have no TTL: every mutation must
// synchronously clear exactly the keys it affects, and cross-process
// consistency relies on the store alone.
package cache

import (
	"strings"
	"sync"
)

// Cache is a read-through memoization cache. Safe for concurrent use.
// Concurrent read-then-write races are tolerated; the store is
// authoritative and the cache converges on the next explicit clear.
type Cache struct {
	mu sync.RWMutex
	m  map[string]any
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{m: make(map[string]any)}
}

// Key builds a deterministic cache key from the owning type, the operation
// and its argument tuple.
func Key(owner, op string, args ...string) string {
	parts := make([]string, 0, len(args)+2)
	parts = append(parts, owner, op)
	parts = append(parts, args...)
	return strings.Join(parts, "/")
}

// Get returns the cached value for key, if any.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

// Put stores a value under key, replacing any previous entry.
func (c *Cache) Put(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = v
}

// Clear removes the given keys.
func (c *Cache) Clear(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.m, k)
	}
}

// Reset drops every entry. Used by tests and administrative resets.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]any)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Memoize returns the cached value for key or computes, stores and returns
// it. Errors are never cached. A cached value of the wrong type is treated
// as a miss and recomputed.
func Memoize[T any](c *Cache, key string, compute func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	v, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}
