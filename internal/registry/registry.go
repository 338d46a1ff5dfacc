// Package registry tracks the pools known for every token pair and demotes pools
// that keep failing to fetch.
package registry

import (
	"context"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
)

const defaultFailureThreshold = 3

// Config configures a Registry.
type Config struct {
	// FailureThreshold is the number of consecutive failed fetches after which a pool
	// is excluded from PoolsFor. Defaults to 3.
	FailureThreshold int
	// RecoveryCooldown re-admits an unreachable pool for one probe once it has elapsed.
	// Zero keeps the pool excluded until a fetch succeeds.
	RecoveryCooldown time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// pairPools holds the sorted pool ids of one pair. Readers load the pointer, writers
// replace the whole slice under mu.
type pairPools struct {
	mu  sync.Mutex
	ids atomic.Pointer[[]liquidity.PoolID]
}

type poolHealth struct {
	mu          sync.Mutex
	failures    int
	unreachable bool
	retryAt     time.Time
	lastErr     string
}

// Registry is safe for concurrent use. Reads of one pair never wait on writes to
// another.
type Registry struct {
	cfg    Config
	logger *observability.Logger

	pairs  sync.Map // liquidity.TokenPair -> *pairPools
	health sync.Map // liquidity.PoolID -> *poolHealth

	pools       atomic.Int64
	unreachable atomic.Int64
}

// Stats summarises the registry.
type Stats struct {
	Pairs       int `json:"pairs"`
	Pools       int `json:"pools"`
	Unreachable int `json:"unreachable"`
}

// PoolStatus is the health of one pool.
type PoolStatus struct {
	ID                  liquidity.PoolID `json:"id"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Unreachable         bool             `json:"unreachable"`
	LastError           string           `json:"last_error,omitempty"`
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLoggerTo(io.Discard, "error", "json")
	}
	return &Registry{cfg: cfg, logger: logger.Component("registry")}
}

func (r *Registry) pair(pair liquidity.TokenPair) *pairPools {
	if v, ok := r.pairs.Load(pair); ok {
		return v.(*pairPools)
	}
	fresh := &pairPools{}
	fresh.ids.Store(&[]liquidity.PoolID{})
	v, _ := r.pairs.LoadOrStore(pair, fresh)
	return v.(*pairPools)
}

// Register adds id to pair. It reports whether the id was new for the pair.
func (r *Registry) Register(pair liquidity.TokenPair, id liquidity.PoolID) bool {
	p := r.pair(pair)
	p.mu.Lock()
	defer p.mu.Unlock()

	current := *p.ids.Load()
	pos, found := slices.BinarySearchFunc(current, id, liquidity.PoolID.Compare)
	if found {
		return false
	}
	next := make([]liquidity.PoolID, 0, len(current)+1)
	next = append(next, current[:pos]...)
	next = append(next, id)
	next = append(next, current[pos:]...)
	p.ids.Store(&next)

	if _, loaded := r.health.LoadOrStore(id, &poolHealth{}); !loaded {
		r.pools.Add(1)
	}
	return true
}

// PoolsFor returns the reachable pools of pair ordered by id. A pool whose recovery
// cooldown has elapsed is included once as a probe.
func (r *Registry) PoolsFor(pair liquidity.TokenPair) []liquidity.PoolID {
	v, ok := r.pairs.Load(pair)
	if !ok {
		return nil
	}
	ids := *v.(*pairPools).ids.Load()

	out := make([]liquidity.PoolID, 0, len(ids))
	now := r.cfg.Now()
	for _, id := range ids {
		if r.admit(id, now) {
			out = append(out, id)
		}
	}
	return out
}

// Known returns every pool of pair, reachable or not.
func (r *Registry) Known(pair liquidity.TokenPair) []liquidity.PoolID {
	v, ok := r.pairs.Load(pair)
	if !ok {
		return nil
	}
	return slices.Clone(*v.(*pairPools).ids.Load())
}

func (r *Registry) admit(id liquidity.PoolID, now time.Time) bool {
	v, ok := r.health.Load(id)
	if !ok {
		return true
	}
	h := v.(*poolHealth)
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.unreachable {
		return true
	}
	if r.cfg.RecoveryCooldown > 0 && !now.Before(h.retryAt) {
		h.retryAt = now.Add(r.cfg.RecoveryCooldown)
		return true
	}
	return false
}

// RecordSuccess resets the failure counter of id and makes it reachable again.
func (r *Registry) RecordSuccess(id liquidity.PoolID) {
	v, ok := r.health.Load(id)
	if !ok {
		return
	}
	h := v.(*poolHealth)
	h.mu.Lock()
	recovered := h.unreachable
	h.failures = 0
	h.unreachable = false
	h.lastErr = ""
	h.mu.Unlock()

	if recovered {
		n := r.unreachable.Add(-1)
		r.logger.Info("pool recovered", "pool", id.String())
		r.cfg.Metrics.RecordUnreachablePools(context.Background(), int(n))
	}
}

// RecordFailure counts a failed fetch of id. Reaching the threshold marks the pool
// unreachable; a failure while unreachable re-arms the recovery cooldown.
func (r *Registry) RecordFailure(id liquidity.PoolID, err error) {
	v, ok := r.health.Load(id)
	if !ok {
		return
	}
	h := v.(*poolHealth)
	now := r.cfg.Now()

	h.mu.Lock()
	h.failures++
	if err != nil {
		h.lastErr = err.Error()
	}
	demoted := false
	if h.unreachable {
		h.retryAt = now.Add(r.cfg.RecoveryCooldown)
	} else if h.failures >= r.cfg.FailureThreshold {
		h.unreachable = true
		h.retryAt = now.Add(r.cfg.RecoveryCooldown)
		demoted = true
	}
	failures := h.failures
	h.mu.Unlock()

	if demoted {
		n := r.unreachable.Add(1)
		r.logger.Warn("pool marked unreachable", "pool", id.String(), "failures", failures, "error", err)
		r.cfg.Metrics.RecordUnreachablePools(context.Background(), int(n))
	}
}

// Unreachable returns the demoted pools ordered by id.
func (r *Registry) Unreachable() []liquidity.PoolID {
	var out []liquidity.PoolID
	r.health.Range(func(key, value any) bool {
		h := value.(*poolHealth)
		h.mu.Lock()
		if h.unreachable {
			out = append(out, key.(liquidity.PoolID))
		}
		h.mu.Unlock()
		return true
	})
	slices.SortFunc(out, liquidity.PoolID.Compare)
	return out
}

// Status returns the health of id.
func (r *Registry) Status(id liquidity.PoolID) (PoolStatus, bool) {
	v, ok := r.health.Load(id)
	if !ok {
		return PoolStatus{}, false
	}
	h := v.(*poolHealth)
	h.mu.Lock()
	defer h.mu.Unlock()
	return PoolStatus{ID: id, ConsecutiveFailures: h.failures, Unreachable: h.unreachable, LastError: h.lastErr}, true
}

// Pairs returns every pair with at least one registered pool.
func (r *Registry) Pairs() []liquidity.TokenPair {
	var out []liquidity.TokenPair
	r.pairs.Range(func(key, value any) bool {
		if len(*value.(*pairPools).ids.Load()) > 0 {
			out = append(out, key.(liquidity.TokenPair))
		}
		return true
	})
	slices.SortFunc(out, liquidity.TokenPair.Compare)
	return out
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Pairs:       len(r.Pairs()),
		Pools:       int(r.pools.Load()),
		Unreachable: int(r.unreachable.Load()),
	}
}
