package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"cost-anomaly-alerts/internal/cache"
	"cost-anomaly-alerts/internal/detector"
)

// CachedFetcher memoises successful day lookups. Cache failures are logged
// and fall through to the wrapped fetcher.
type CachedFetcher struct {
	next   DayFetcher
	cache  cache.Cache
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewCachedFetcher wraps next with c. A nil cache disables caching.
func NewCachedFetcher(next DayFetcher, c cache.Cache, ttl time.Duration, prefix string, logger zerolog.Logger) *CachedFetcher {
	if prefix == "" {
		prefix = "costwatch"
	}
	return &CachedFetcher{
		next:   next,
		cache:  c,
		ttl:    ttl,
		prefix: prefix,
		logger: logger.With().Str("component", "billing_cache").Logger(),
	}
}

// FetchDay implements DayFetcher.
func (f *CachedFetcher) FetchDay(ctx context.Context, day time.Time) (map[string]float64, error) {
	if f.cache == nil {
		return f.next.FetchDay(ctx, day)
	}

	key := f.key(day)
	if raw, ok, err := f.cache.Get(ctx, key); err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	} else if ok {
		var costs map[string]float64
		if err := json.Unmarshal(raw, &costs); err == nil {
			return costs, nil
		}
		f.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	}

	costs, err := f.next.FetchDay(ctx, day)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(costs); err == nil {
		if err := f.cache.Set(ctx, key, raw, f.ttl); err != nil {
			f.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return costs, nil
}

func (f *CachedFetcher) key(day time.Time) string {
	return f.prefix + ":day:" + detector.Day(day).Format(detector.DateLayout)
}

var _ DayFetcher = (*CachedFetcher)(nil)
