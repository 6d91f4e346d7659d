package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// Key derives a cache key from the given parts.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

type entry[T any] struct {
	value     T
	timestamp time.Time
}

// Cache is an in-memory response cache with a fixed TTL. A zero TTL means
// entries never expire.
type Cache[T any] struct {
	ttl     time.Duration
	entries sync.Map
}

// New creates a cache with the given TTL.
func New[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{ttl: ttl}
}

// Get returns the cached value for key if present and not expired.
func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T
	val, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	e := val.(entry[T])
	if c.ttl > 0 && time.Since(e.timestamp) > c.ttl {
		c.entries.Delete(key)
		return zero, false
	}
	return e.value, true
}

// Put stores value under key.
func (c *Cache[T]) Put(key string, value T) {
	c.entries.Store(key, entry[T]{value: value, timestamp: time.Now()})
}
