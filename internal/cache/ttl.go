package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val      V
	storedAt time.Time
}

// TTL is a concurrency-safe map whose entries expire after a fixed age.
// Expired entries are dropped lazily on Get.
type TTL[K comparable, V any] struct {
	mu  sync.RWMutex
	ttl time.Duration
	now func() time.Time
	m   map[K]entry[V]
}

// NewTTL returns a cache with the given max age. A nil clock means time.Now.
func NewTTL[K comparable, V any](ttl time.Duration, now func() time.Time) *TTL[K, V] {
	if now == nil {
		now = time.Now
	}
	return &TTL[K, V]{ttl: ttl, now: now, m: map[K]entry[V]{}}
}

// Get returns the value for k if it is younger than the TTL.
func (c *TTL[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	e, ok := c.m[k]
	c.mu.RUnlock()
	if !ok {
		var z V
		return z, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.mu.Lock()
		if cur, ok := c.m[k]; ok && cur.storedAt.Equal(e.storedAt) {
			delete(c.m, k)
		}
		c.mu.Unlock()
		var z V
		return z, false
	}
	return e.val, true
}

func (c *TTL[K, V]) Set(k K, v V) {
	c.mu.Lock()
	c.m[k] = entry[V]{val: v, storedAt: c.now()}
	c.mu.Unlock()
}

func (c *TTL[K, V]) Delete(k K) {
	c.mu.Lock()
	delete(c.m, k)
	c.mu.Unlock()
}

func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
