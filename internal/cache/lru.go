package cache

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is an in-process cache. The TTL passed to Set is capped by the TTL the
// cache was created with.
type LRU struct {
	lru *expirable.LRU[string, entry]
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewLRU creates an LRU cache holding at most maxSize entries.
func NewLRU(maxSize int, ttl time.Duration) *LRU {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LRU{lru: expirable.NewLRU[string, entry](maxSize, nil, ttl)}
}

// Get implements Cache.
func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false, nil
	}
	return slices.Clone(e.value), true, nil
}

// Set implements Cache.
func (c *LRU) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.lru.Add(key, e)
	return nil
}

// Len returns the number of cached entries.
func (c *LRU) Len() int {
	return c.lru.Len()
}

// Close purges the cache.
func (c *LRU) Close() error {
	c.lru.Purge()
	return nil
}

var _ Cache = (*LRU)(nil)
