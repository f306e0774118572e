// Package cache provides a small in-process TTL cache used by the
// session store for read-through caching.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// CacheService defines the cache service interface.
type CacheService interface {
	// Get retrieves a value from cache.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value in cache with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes a cache entry.
	Invalidate(ctx context.Context, key string) error
}

// TTLCache is an LRU cache with per-entry expiration.
type TTLCache struct {
	capacity   int
	defaultTTL time.Duration
	mu         sync.Mutex

	entries map[string]*ttlEntry
	order   *list.List
}

type ttlEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

// NewTTLCache creates a new TTLCache.
func NewTTLCache(capacity int, defaultTTL time.Duration) *TTLCache {
	if capacity <= 0 {
		capacity = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &TTLCache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*ttlEntry),
		order:      list.New(),
	}
}

// Get retrieves a value, evicting it if expired.
func (c *TTLCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.remove(e)
		return nil, false
	}
	c.order.MoveToFront(e.element)
	return e.value, true
}

// Set stores a value. A non-positive ttl uses the cache default.
func (c *TTLCache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(e.element)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*ttlEntry))
	}

	e := &ttlEntry{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	e.element = c.order.PushFront(e)
	c.entries[key] = e
}

// Delete removes a single entry.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
}

// Len returns the number of entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CleanupExpired removes all expired entries and reports how many were removed.
func (c *TTLCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var stale []*ttlEntry
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		c.remove(e)
	}
	return len(stale)
}

// remove must be called with the lock held.
func (c *TTLCache) remove(e *ttlEntry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}
