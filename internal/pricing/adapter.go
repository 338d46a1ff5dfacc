// Package pricing implements the liquidity source adapters: per-protocol pool
// discovery, state fetching through the chain provider and exact integer swap math.
package pricing

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"slices"
	"sort"
	"sync"

	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/cache"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/ethereum/go-ethereum/common"
)

// Adapter is the capability set every liquidity source implements.
type Adapter interface {
	// Name identifies the adapter instance in pool ids and metrics.
	Name() string
	// Kind is the invariant of every pool the adapter produces.
	Kind() liquidity.Kind
	// Discover returns the pools of this source that trade pair, looked up at block.
	Discover(ctx context.Context, p chain.Provider, pair liquidity.TokenPair, block uint64) ([]liquidity.PoolID, error)
	// FetchState reads the pool's state at exactly block.
	FetchState(ctx context.Context, p chain.Provider, id liquidity.PoolID, block uint64) (liquidity.Pool, error)
	// Price returns the output for a sell or the input for a buy of amount.
	Price(pool liquidity.Pool, amount *big.Int, dir liquidity.Direction) (*big.Int, error)
}

// SourceConfig configures one adapter instance.
type SourceConfig struct {
	Name string
	Kind liquidity.Kind

	// Factory enables on-chain discovery for constant product and concentrated sources.
	Factory common.Address
	// Vault is the Balancer vault holding weighted pool balances.
	Vault common.Address
	// Pools is the static allow-list of pool contracts.
	Pools []common.Address

	// FeeBps is the constant product swap fee; 0 means 30.
	FeeBps uint32
	// FeeTiers are the concentrated liquidity fee tiers probed during discovery.
	FeeTiers []uint32
	// TickWordRadius is the number of tick bitmap words read on each side of the
	// current tick; 0 means 2.
	TickWordRadius int

	// Metadata caches immutable pool metadata. Nil disables caching.
	Metadata cache.Cache
	Logger   *observability.Logger
}

func (c *SourceConfig) logger() *observability.Logger {
	if c.Logger == nil {
		return observability.NewLoggerTo(io.Discard, "error", "json")
	}
	return c.Logger.Component(c.Name)
}

// Factory creates an adapter from its configuration.
type Factory func(cfg SourceConfig) (Adapter, error)

// FactoryRegistry maps pool kinds to adapter factories.
type FactoryRegistry struct {
	factories map[liquidity.Kind]Factory
	mu        sync.RWMutex
}

// NewFactoryRegistry creates a registry with the built-in adapters.
func NewFactoryRegistry() *FactoryRegistry {
	r := &FactoryRegistry{
		factories: make(map[liquidity.Kind]Factory),
	}

	r.Register(liquidity.KindConstantProduct, func(cfg SourceConfig) (Adapter, error) { return NewConstantProduct(cfg) })
	r.Register(liquidity.KindWeighted, func(cfg SourceConfig) (Adapter, error) { return NewWeighted(cfg) })
	r.Register(liquidity.KindStableSwap, func(cfg SourceConfig) (Adapter, error) { return NewStableSwap(cfg) })
	r.Register(liquidity.KindConcentrated, func(cfg SourceConfig) (Adapter, error) { return NewConcentrated(cfg) })

	return r
}

// Register adds or replaces the factory for kind.
func (r *FactoryRegistry) Register(kind liquidity.Kind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Create builds an adapter with the factory registered for cfg.Kind.
func (r *FactoryRegistry) Create(cfg SourceConfig) (Adapter, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Kind]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown source kind: %s (available: %v)", cfg.Kind, r.Kinds())
	}

	adapter, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s source %q: %w", cfg.Kind, cfg.Name, err)
	}
	return adapter, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *FactoryRegistry) Kinds() []liquidity.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]liquidity.Kind, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// Set is an immutable collection of adapters addressed by name.
type Set struct {
	byName map[string]Adapter
	names  []string
}

// NewSet builds a set, rejecting duplicate names.
func NewSet(adapters ...Adapter) (*Set, error) {
	s := &Set{byName: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := s.byName[a.Name()]; dup {
			return nil, fmt.Errorf("duplicate adapter name %q", a.Name())
		}
		s.byName[a.Name()] = a
		s.names = append(s.names, a.Name())
	}
	sort.Strings(s.names)
	return s, nil
}

// Get returns the adapter called name.
func (s *Set) Get(name string) (Adapter, error) {
	a, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", liquidity.ErrUnknownAdapter, name)
	}
	return a, nil
}

// All returns every adapter ordered by name.
func (s *Set) All() []Adapter {
	out := make([]Adapter, len(s.names))
	for i, name := range s.names {
		out[i] = s.byName[name]
	}
	return out
}

// FetchState reads id's state with the adapter that owns it.
func (s *Set) FetchState(ctx context.Context, p chain.Provider, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	a, err := s.Get(id.Adapter)
	if err != nil {
		return liquidity.Pool{}, err
	}
	return a.FetchState(ctx, p, id, block)
}

// allowListed returns the configured pools whose tokens include both pair tokens.
func allowListed[M any](ctx context.Context, name string, pools []common.Address, pair liquidity.TokenPair, load func(common.Address) (M, error), tokens func(M) []common.Address, logger *observability.Logger) []liquidity.PoolID {
	var ids []liquidity.PoolID
	for _, addr := range pools {
		meta, err := load(addr)
		if err != nil {
			logger.LogWarn(ctx, "skipping allow-listed pool", "pool", addr.Hex(), "error", err)
			continue
		}
		held := tokens(meta)
		if slices.Contains(held, pair.Token0()) && slices.Contains(held, pair.Token1()) {
			ids = append(ids, liquidity.NewPoolID(name, addr))
		}
	}
	return ids
}

func checkOwner(a Adapter, id liquidity.PoolID) error {
	if id.Adapter != a.Name() {
		return fmt.Errorf("%w: pool %s does not belong to %s", liquidity.ErrUnknownAdapter, id, a.Name())
	}
	return nil
}
