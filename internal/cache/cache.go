// Package cache provides strategy-keyed read-through caching for the
// evaluation core.
//
// Each strategy carries its own TTL, tuned to how fast the underlying signal
// goes stale. The cache is strictly an accelerator: any store failure is
// logged and the lookup falls through to the fetch function, so a caching
// problem can never fail a request.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/sentinel/internal/kvstore"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/syncutil"
)

// Strategy names a class of cached data with a fixed TTL.
type Strategy string

const (
	StrategyDeviceFingerprint Strategy = "device_fingerprint"
	StrategyNetworkReputation Strategy = "network_reputation"
	StrategyRuleResults       Strategy = "rule_results"
	StrategyMLPrediction      Strategy = "ml_prediction"
	StrategyGeoIP             Strategy = "geoip"
)

// TTL returns the retention for data cached under this strategy.
func (s Strategy) TTL() time.Duration {
	switch s {
	case StrategyDeviceFingerprint:
		return 24 * time.Hour
	case StrategyNetworkReputation:
		return time.Hour
	case StrategyRuleResults:
		return 10 * time.Minute
	case StrategyMLPrediction:
		return 5 * time.Minute
	case StrategyGeoIP:
		return 24 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// FetchFn computes a value on cache miss.
type FetchFn func(ctx context.Context) (any, error)

// Cache is a read-through cache over the external key-value store.
type Cache struct {
	store  kvstore.Store
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64

	// Serializes concurrent fetches of the same key so a cold popular key
	// is computed once, not once per waiter.
	fetchLocks syncutil.ShardedMutex
}

// New creates a cache over the given store.
func New(store kvstore.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, logger: logger}
}

// Get looks up (strategy, key) and decodes the cached value into dest.
// Returns false on miss or any store/decode problem.
func (c *Cache) Get(ctx context.Context, strategy Strategy, key string, dest any) bool {
	raw, ok, err := c.store.Get(ctx, cacheKey(strategy, key))
	if err != nil {
		c.logger.Warn("cache store unavailable", "strategy", strategy, "error", err)
		metrics.DependencyErrorsTotal.WithLabelValues("cache_store").Inc()
		c.recordMiss(strategy)
		return false
	}
	if !ok {
		c.recordMiss(strategy)
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.logger.Warn("corrupt cache entry", "strategy", strategy, "error", err)
		c.recordMiss(strategy)
		return false
	}
	c.recordHit(strategy)
	return true
}

// GetOrFetch looks up (strategy, key); on miss it computes the value via
// fetch, stores it best-effort under the strategy TTL, and decodes it into
// dest. Only a fetch error is returned to the caller — store errors are
// absorbed.
func (c *Cache) GetOrFetch(ctx context.Context, strategy Strategy, key string, dest any, fetch FetchFn) error {
	if c.Get(ctx, strategy, key, dest) {
		return nil
	}

	unlock := c.fetchLocks.Lock(cacheKey(strategy, key))
	defer unlock()

	// Another goroutine may have fetched while we waited for the lock.
	if c.Get(ctx, strategy, key, dest) {
		return nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}

	if err := c.store.Set(ctx, cacheKey(strategy, key), raw, strategy.TTL()); err != nil {
		c.logger.Warn("cache write failed, serving uncached", "strategy", strategy, "error", err)
		metrics.DependencyErrorsTotal.WithLabelValues("cache_store").Inc()
	}

	return json.Unmarshal(raw, dest)
}

// Put stores value under (strategy, key) with the strategy TTL,
// bypassing the read path. Store errors are returned for logging but the
// cache remains usable.
func (c *Cache) Put(ctx context.Context, strategy Strategy, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	if err := c.store.Set(ctx, cacheKey(strategy, key), raw, strategy.TTL()); err != nil {
		metrics.DependencyErrorsTotal.WithLabelValues("cache_store").Inc()
		return err
	}
	return nil
}

// Invalidate drops the cached value for (strategy, key).
func (c *Cache) Invalidate(ctx context.Context, strategy Strategy, key string) {
	if _, err := c.store.Delete(ctx, cacheKey(strategy, key)); err != nil {
		c.logger.Warn("cache invalidate failed", "strategy", strategy, "error", err)
	}
}

// HitRate returns the running hit rate across all strategies (0-1).
func (c *Cache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Stats returns the raw hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) recordHit(strategy Strategy) {
	c.hits.Add(1)
	metrics.CacheHitsTotal.WithLabelValues(string(strategy)).Inc()
	metrics.CacheHitRate.Set(c.HitRate())
}

func (c *Cache) recordMiss(strategy Strategy) {
	c.misses.Add(1)
	metrics.CacheMissesTotal.WithLabelValues(string(strategy)).Inc()
	metrics.CacheHitRate.Set(c.HitRate())
}

func cacheKey(strategy Strategy, key string) string {
	return fmt.Sprintf("cache:%s:%s", strategy, key)
}
