// Package statecache holds pool snapshots keyed by pool and block height. Concurrent
// requests for one key share a single fetch, and the least recently used entries are
// evicted once the cache is full.
package statecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCapacity     = 10_000
	defaultFetchTimeout = 10 * time.Second
)

// Fetch outcomes reported to metrics.
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Fetcher reads the state of a pool at an exact block.
type Fetcher interface {
	FetchState(ctx context.Context, p chain.Provider, id liquidity.PoolID, block uint64) (liquidity.Pool, error)
}

// Config configures a Cache.
type Config struct {
	Fetcher  Fetcher
	Provider chain.Provider
	// Capacity is the number of snapshots held before eviction starts.
	Capacity int
	// FetchTimeout bounds a shared fetch. It is independent of the callers' contexts.
	FetchTimeout time.Duration
	// Store is an optional second level shared with other instances.
	Store *SnapshotStore

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
	Now     func() time.Time
}

type key struct {
	id    liquidity.PoolID
	block uint64
}

func (k key) String() string {
	return k.id.String() + "@" + strconv.FormatUint(k.block, 10)
}

type entry struct {
	key  key
	pool liquidity.Pool
}

// Stats are cumulative cache counters.
type Stats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Pinned    int    `json:"pinned"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Coalesced uint64 `json:"coalesced"`
	Errors    uint64 `json:"errors"`
	Timeouts  uint64 `json:"timeouts"`
	Evictions uint64 `json:"evictions"`
}

// Cache is safe for concurrent use. Snapshots are immutable values inserted and
// removed under one lock, so readers never see a partially written entry.
type Cache struct {
	cfg    Config
	logger *observability.Logger
	tracer observability.Tracer
	group  singleflight.Group

	mu        sync.Mutex
	lru       *list.List // front is most recently used
	items     map[key]*list.Element
	byPool    map[liquidity.PoolID]map[uint64]struct{}
	pins      map[key]int
	requested map[liquidity.PoolID]time.Time

	hits, misses, coalesced    atomic.Uint64
	failures, timeouts, evicts atomic.Uint64
}

// New creates a cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLoggerTo(io.Discard, "error", "json")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}

	return &Cache{
		cfg:       cfg,
		logger:    logger.Component("statecache"),
		tracer:    tracer,
		lru:       list.New(),
		items:     make(map[key]*list.Element),
		byPool:    make(map[liquidity.PoolID]map[uint64]struct{}),
		pins:      make(map[key]int),
		requested: make(map[liquidity.PoolID]time.Time),
	}, nil
}

// GetOrFetch returns the snapshot of id at exactly block. A held snapshot is returned
// directly; otherwise concurrent callers share one fetch. When ctx ends first the
// caller gets a timeout error while the fetch continues and populates the cache.
// Failed fetches are not cached. The call marks id as requested for
// RecentlyRequested.
func (c *Cache) GetOrFetch(ctx context.Context, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	return c.getOrFetch(ctx, id, block, true)
}

// Refresh behaves like GetOrFetch but leaves the request markers alone, so background
// maintenance does not keep pools in demand.
func (c *Cache) Refresh(ctx context.Context, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	return c.getOrFetch(ctx, id, block, false)
}

func (c *Cache) getOrFetch(ctx context.Context, id liquidity.PoolID, block uint64, demand bool) (liquidity.Pool, error) {
	start := time.Now()
	k := key{id: id, block: block}

	c.mu.Lock()
	if demand {
		c.requested[id] = c.cfg.Now()
	}
	c.pins[k]++
	pool, ok := c.lookupLocked(k)
	c.mu.Unlock()
	defer c.unpin(k)

	if ok {
		c.hits.Add(1)
		c.cfg.Metrics.RecordFetch(ctx, id.Adapter, OutcomeHit, false, time.Since(start))
		return pool, nil
	}

	ch := c.group.DoChan(k.String(), func() (any, error) {
		if pool, ok := c.Get(id, block); ok {
			return pool, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, k)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			outcome := OutcomeError
			if liquidity.IsTimeout(res.Err) {
				outcome = OutcomeTimeout
				c.timeouts.Add(1)
			} else {
				c.failures.Add(1)
			}
			c.cfg.Metrics.RecordFetch(ctx, id.Adapter, outcome, res.Shared, time.Since(start))
			return liquidity.Pool{}, res.Err
		}
		c.misses.Add(1)
		if res.Shared {
			c.coalesced.Add(1)
		}
		c.cfg.Metrics.RecordFetch(ctx, id.Adapter, OutcomeMiss, res.Shared, time.Since(start))
		return res.Val.(liquidity.Pool), nil

	case <-ctx.Done():
		c.timeouts.Add(1)
		c.cfg.Metrics.RecordFetch(ctx, id.Adapter, OutcomeTimeout, false, time.Since(start))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return liquidity.Pool{}, liquidity.NewTimeoutError(id, block, ctx.Err())
		}
		return liquidity.Pool{}, &liquidity.FetchError{Pool: id, Block: block, Err: ctx.Err()}
	}
}

func (c *Cache) fetch(ctx context.Context, k key) (liquidity.Pool, error) {
	ctx, span := c.tracer.StartSpan(ctx, "statecache.fetch",
		observability.WithAttributes(
			attribute.String("pool", k.id.String()),
			attribute.Int64("block", int64(k.block)),
		))
	defer span.End()

	if c.cfg.Store != nil {
		if pool, ok := c.cfg.Store.Load(ctx, k.id, k.block); ok {
			span.SetAttributes(attribute.Bool("store.hit", true))
			c.insert(ctx, k, pool)
			return pool, nil
		}
	}

	pool, err := c.cfg.Fetcher.FetchState(ctx, c.cfg.Provider, k.id, k.block)
	if err == nil && (pool.ID != k.id || pool.Block != k.block || pool.IsZero()) {
		err = fmt.Errorf("%w: got %s at block %d", liquidity.ErrBlockMismatch, pool.ID, pool.Block)
	}
	if err != nil {
		span.RecordError(err)
		c.logger.LogDebug(ctx, "fetch failed", "pool", k.id.String(), "block", k.block, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return liquidity.Pool{}, liquidity.NewTimeoutError(k.id, k.block, err)
		}
		return liquidity.Pool{}, &liquidity.FetchError{Pool: k.id, Block: k.block, Err: err}
	}

	c.insert(ctx, k, pool)
	if c.cfg.Store != nil {
		c.cfg.Store.Save(ctx, pool)
	}
	return pool, nil
}

func (c *Cache) lookupLocked(k key) (liquidity.Pool, bool) {
	el, ok := c.items[k]
	if !ok {
		return liquidity.Pool{}, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry).pool, true
}

func (c *Cache) insert(ctx context.Context, k key, pool liquidity.Pool) {
	c.mu.Lock()
	if el, ok := c.items[k]; ok {
		el.Value.(*entry).pool = pool
		c.lru.MoveToFront(el)
		c.mu.Unlock()
		return
	}
	c.items[k] = c.lru.PushFront(&entry{key: k, pool: pool})
	blocks := c.byPool[k.id]
	if blocks == nil {
		blocks = make(map[uint64]struct{})
		c.byPool[k.id] = blocks
	}
	blocks[k.block] = struct{}{}
	evicted := c.evictLocked()
	size := len(c.items)
	c.mu.Unlock()

	if evicted > 0 {
		c.evicts.Add(uint64(evicted))
		c.cfg.Metrics.RecordCacheEviction(ctx, evicted)
	}
	c.cfg.Metrics.RecordCacheSize(ctx, size)
}

// evictLocked drops least recently used entries until the cache fits, skipping pinned
// keys. If every entry is pinned the cache stays over capacity until pins are released.
func (c *Cache) evictLocked() int {
	evicted := 0
	el := c.lru.Back()
	for len(c.items) > c.cfg.Capacity && el != nil {
		prev := el.Prev()
		e := el.Value.(*entry)
		if c.pins[e.key] == 0 {
			c.removeLocked(el)
			evicted++
		}
		el = prev
	}
	return evicted
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.lru.Remove(el).(*entry)
	delete(c.items, e.key)
	if blocks := c.byPool[e.key.id]; blocks != nil {
		delete(blocks, e.key.block)
		if len(blocks) == 0 {
			delete(c.byPool, e.key.id)
		}
	}
}

func (c *Cache) unpin(k key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[k] <= 1 {
		delete(c.pins, k)
		if n := c.evictLocked(); n > 0 {
			c.evicts.Add(uint64(n))
		}
		return
	}
	c.pins[k]--
}

// Pin keeps the snapshot of id at block from being evicted until release is called.
// It reports false when no such snapshot is held.
func (c *Cache) Pin(id liquidity.PoolID, block uint64) (release func(), ok bool) {
	k := key{id: id, block: block}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[k]; !ok {
		return func() {}, false
	}
	c.pins[k]++
	var once sync.Once
	return func() { once.Do(func() { c.unpin(k) }) }, true
}

// Get returns the snapshot of id at exactly block without fetching.
func (c *Cache) Get(id liquidity.PoolID, block uint64) (liquidity.Pool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key{id: id, block: block})
}

// Latest returns the newest snapshot held for id, which may be older than the chain
// head.
func (c *Cache) Latest(id liquidity.PoolID) (liquidity.Pool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks, ok := c.byPool[id]
	if !ok {
		return liquidity.Pool{}, false
	}
	var newest uint64
	for b := range blocks {
		newest = max(newest, b)
	}
	return c.lookupLocked(key{id: id, block: newest})
}

// RecentlyRequested returns the pools passed to GetOrFetch at or after since, most
// recently requested first; ties are ordered by id. Older request markers are dropped.
func (c *Cache) RecentlyRequested(since time.Time) []liquidity.PoolID {
	c.mu.Lock()
	type marker struct {
		id liquidity.PoolID
		at time.Time
	}
	var recent []marker
	for id, at := range c.requested {
		if at.Before(since) {
			delete(c.requested, id)
			continue
		}
		recent = append(recent, marker{id, at})
	}
	c.mu.Unlock()

	slices.SortFunc(recent, func(a, b marker) int {
		if n := b.at.Compare(a.at); n != 0 {
			return n
		}
		return a.id.Compare(b.id)
	})
	out := make([]liquidity.PoolID, len(recent))
	for i, m := range recent {
		out[i] = m.id
	}
	return out
}

// Len returns the number of snapshots held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, pinned := len(c.items), len(c.pins)
	c.mu.Unlock()
	return Stats{
		Entries:   entries,
		Capacity:  c.cfg.Capacity,
		Pinned:    pinned,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Errors:    c.failures.Load(),
		Timeouts:  c.timeouts.Load(),
		Evictions: c.evicts.Load(),
	}
}
