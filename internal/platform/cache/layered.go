package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultL1MaxTTL caps how long the in-memory layer keeps a value.
const DefaultL1MaxTTL = time.Minute

// LayeredCacheConfig configures a two-tier cache
type LayeredCacheConfig struct {
	L1       Cache
	L2       Cache
	L1MaxTTL time.Duration
	Logger   *slog.Logger
}

// LayeredCache implements a two-tier cache (L1: memory, L2: Redis).
// Writes go through to both layers; an L2 hit backfills L1.
type LayeredCache struct {
	l1       Cache
	l2       Cache
	l1MaxTTL time.Duration
	logger   *slog.Logger
}

// NewLayeredCache creates a layered cache with the default L1 TTL cap
func NewLayeredCache(l1, l2 Cache) *LayeredCache {
	return NewLayeredCacheWithConfig(LayeredCacheConfig{L1: l1, L2: l2})
}

// NewLayeredCacheWithConfig creates a layered cache from cfg
func NewLayeredCacheWithConfig(cfg LayeredCacheConfig) *LayeredCache {
	if cfg.L1MaxTTL <= 0 {
		cfg.L1MaxTTL = DefaultL1MaxTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LayeredCache{
		l1:       cfg.L1,
		l2:       cfg.L2,
		l1MaxTTL: cfg.L1MaxTTL,
		logger:   logger,
	}
}

func (lc *LayeredCache) l1TTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > lc.l1MaxTTL {
		return lc.l1MaxTTL
	}
	return ttl
}

// Get retrieves a value from cache (L1 → L2 → miss)
func (lc *LayeredCache) Get(ctx context.Context, key string) (interface{}, error) {
	if lc.l1 != nil {
		val, err := lc.l1.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lc.logger.Warn("L1 cache get failed", "key", key, "error", err)
		}
	}

	if lc.l2 == nil {
		return nil, ErrNotFound
	}

	val, err := lc.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if lc.l1 != nil {
		_ = lc.l1.Set(ctx, key, val, lc.l1MaxTTL)
	}
	return val, nil
}

// Set stores a value in both cache layers. It fails only when every present layer fails.
func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1Err = lc.l1.Set(ctx, key, value, lc.l1TTL(ttl))
	}
	if lc.l2 != nil {
		l2Err = lc.l2.Set(ctx, key, value, ttl)
	}

	switch {
	case lc.l2 == nil:
		return l1Err
	case lc.l1 == nil:
		return l2Err
	case l1Err != nil && l2Err != nil:
		return l2Err
	case l2Err != nil:
		lc.logger.Warn("L2 cache set failed", "key", key, "error", l2Err)
	}
	return nil
}

// Delete removes a key from both cache layers
func (lc *LayeredCache) Delete(ctx context.Context, key string) error {
	var errs []error
	if lc.l1 != nil {
		errs = append(errs, lc.l1.Delete(ctx, key))
	}
	if lc.l2 != nil {
		errs = append(errs, lc.l2.Delete(ctx, key))
	}
	return errors.Join(errs...)
}

// Close closes both cache layers
func (lc *LayeredCache) Close() error {
	var errs []error
	if lc.l1 != nil {
		errs = append(errs, lc.l1.Close())
	}
	if lc.l2 != nil {
		errs = append(errs, lc.l2.Close())
	}
	return errors.Join(errs...)
}
