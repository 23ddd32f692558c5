// Package cache stores previous-day billing lookups between detection runs.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is a byte-oriented key/value store with per-entry TTL.
type Cache interface {
	// Get returns the value and true on a hit, or nil and false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Options select and size the cache.
type Options struct {
	Type          string
	TTL           time.Duration
	LocalMaxSize  int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// New creates a cache from options. Type "none" returns nil.
func New(ctx context.Context, opts Options) (Cache, error) {
	switch opts.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewLRU(opts.LocalMaxSize, opts.TTL), nil
	case "redis":
		r, err := NewRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", opts.Type)
	}
}
