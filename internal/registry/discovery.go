package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/pricing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultDiscoveryTTL     = 10 * time.Minute
	defaultDiscoveryTimeout = 30 * time.Second
	// DefaultMaxReorgDepth is how far behind the head discovery reads, so pools are
	// only found once their creation can no longer be reorganised away.
	DefaultMaxReorgDepth = 64
)

// ErrDiscoveryFailed is returned when every adapter failed to discover a pair.
var ErrDiscoveryFailed = errors.New("registry: discovery failed")

// DiscoveryConfig configures Discovery.
type DiscoveryConfig struct {
	Adapters []pricing.Adapter
	Provider chain.Provider
	// TTL is how long a pair's discovery result stays fresh.
	TTL time.Duration
	// Timeout bounds one discovery run, independent of the callers waiting on it.
	Timeout       time.Duration
	MaxReorgDepth uint64

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
	Now     func() time.Time
}

// Discovery finds the pools of a pair across all adapters and registers them. Runs
// for the same pair are coalesced.
type Discovery struct {
	registry *Registry
	cfg      DiscoveryConfig
	logger   *observability.Logger
	tracer   observability.Tracer
	group    singleflight.Group

	mu   sync.Mutex
	last map[liquidity.TokenPair]time.Time
}

// NewDiscovery creates a discovery service registering into r.
func NewDiscovery(r *Registry, cfg DiscoveryConfig) (*Discovery, error) {
	if r == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultDiscoveryTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDiscoveryTimeout
	}
	if cfg.MaxReorgDepth == 0 {
		cfg.MaxReorgDepth = DefaultMaxReorgDepth
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

	return &Discovery{
		registry: r,
		cfg:      cfg,
		logger:   logger.Component("discovery"),
		tracer:   tracer,
		last:     make(map[liquidity.TokenPair]time.Time),
	}, nil
}

func (d *Discovery) fresh(pair liquidity.TokenPair) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.last[pair]
	return ok && d.cfg.Now().Sub(at) < d.cfg.TTL
}

// Ensure discovers pair unless it was discovered within the TTL. Concurrent callers
// for one pair share a single run; a caller whose context ends stops waiting while
// the run continues.
func (d *Discovery) Ensure(ctx context.Context, pair liquidity.TokenPair) error {
	if d.fresh(pair) {
		return nil
	}

	ch := d.group.DoChan(pair.String(), func() (any, error) {
		if d.fresh(pair) {
			return nil, nil
		}
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
		defer cancel()
		return nil, d.discover(runCtx, pair)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh discovers pair regardless of the TTL.
func (d *Discovery) Refresh(ctx context.Context, pair liquidity.TokenPair) error {
	d.mu.Lock()
	delete(d.last, pair)
	d.mu.Unlock()
	return d.Ensure(ctx, pair)
}

func (d *Discovery) discover(ctx context.Context, pair liquidity.TokenPair) error {
	ctx, span := d.tracer.StartSpan(ctx, "registry.discover",
		observability.WithAttributes(attribute.String("pair", pair.String())))
	defer span.End()

	head, err := d.cfg.Provider.CurrentBlock(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: current block: %v", ErrDiscoveryFailed, err)
	}
	block := head
	if block > d.cfg.MaxReorgDepth {
		block -= d.cfg.MaxReorgDepth
	} else {
		block = 0
	}

	var (
		mu       sync.Mutex
		failures int
		added    int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range d.cfg.Adapters {
		g.Go(func() error {
			ids, err := a.Discover(gctx, d.cfg.Provider, pair, block)
			d.cfg.Metrics.RecordDiscovery(gctx, a.Name(), len(ids), err)
			if err != nil {
				d.logger.LogWarn(gctx, "adapter discovery failed", "adapter", a.Name(), "pair", pair.String(), "block", block, "error", err)
				mu.Lock()
				failures++
				mu.Unlock()
				return nil
			}
			for _, id := range ids {
				if d.registry.Register(pair, id) {
					mu.Lock()
					added++
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(d.cfg.Adapters) > 0 && failures == len(d.cfg.Adapters) {
		return fmt.Errorf("%w: all %d adapters failed for %s", ErrDiscoveryFailed, failures, pair)
	}

	d.mu.Lock()
	d.last[pair] = d.cfg.Now()
	d.mu.Unlock()

	span.SetAttributes(attribute.Int("pools.added", added), attribute.Int64("block", int64(block)))
	d.logger.LogInfo(ctx, "pair discovered", "pair", pair.String(), "block", block, "added", added, "failed_adapters", failures)
	return nil
}
