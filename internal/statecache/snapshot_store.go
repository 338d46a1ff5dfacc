package statecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/cache"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
)

// SnapshotStore shares pool snapshots between instances. A snapshot taken at an
// exact block never changes, so entries only expire to bound storage.
type SnapshotStore struct {
	store   cache.Cache
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewSnapshotStore wraps store. A non-positive ttl keeps snapshots until the store
// evicts them.
func NewSnapshotStore(store cache.Cache, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *SnapshotStore {
	if logger == nil {
		logger = observability.NewLoggerTo(io.Discard, "error", "json")
	}
	return &SnapshotStore{
		store:   store,
		ttl:     ttl,
		logger:  logger.Component("snapshot_store"),
		metrics: metrics,
	}
}

func snapshotKey(id liquidity.PoolID, block uint64) string {
	return fmt.Sprintf("pool:%s:%d", id, block)
}

// Load returns the snapshot of id at block if one was saved. Store failures are
// logged and reported as a miss.
func (s *SnapshotStore) Load(ctx context.Context, id liquidity.PoolID, block uint64) (liquidity.Pool, bool) {
	pool, err := cache.GetAs[liquidity.Pool](ctx, s.store, snapshotKey(id, block))
	switch {
	case err == nil && pool.ID == id && pool.Block == block && !pool.IsZero():
		s.metrics.RecordSnapshotStore(ctx, "hit")
		return pool, true
	case err == nil, errors.Is(err, cache.ErrNotFound):
		s.metrics.RecordSnapshotStore(ctx, "miss")
	default:
		s.metrics.RecordSnapshotStore(ctx, "error")
		s.logger.LogWarn(ctx, "snapshot load failed", "pool", id.String(), "block", block, "error", err)
	}
	return liquidity.Pool{}, false
}

// Save stores pool under its id and block.
func (s *SnapshotStore) Save(ctx context.Context, pool liquidity.Pool) {
	if err := s.store.Set(ctx, snapshotKey(pool.ID, pool.Block), pool, s.ttl); err != nil {
		s.metrics.RecordSnapshotStore(ctx, "error")
		s.logger.LogWarn(ctx, "snapshot save failed", "pool", pool.ID.String(), "block", pool.Block, "error", err)
	}
}
