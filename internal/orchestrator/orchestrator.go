// Package orchestrator refreshes many pools at one block concurrently, isolating
// each pool's failure or timeout from the rest of the batch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxInFlight = 32
	defaultTimeout     = 2 * time.Second
)

// StateSource returns the snapshot of a pool at an exact block. The state cache
// implements it. GetOrFetch serves requests and counts as demand for the pool;
// Refresh serves maintenance and does not.
type StateSource interface {
	GetOrFetch(ctx context.Context, id liquidity.PoolID, block uint64) (liquidity.Pool, error)
	Refresh(ctx context.Context, id liquidity.PoolID, block uint64) (liquidity.Pool, error)
}

type fetchFunc func(ctx context.Context, id liquidity.PoolID, block uint64) (liquidity.Pool, error)

// HealthReporter receives the outcome of every fetch. The pool registry implements it.
type HealthReporter interface {
	RecordSuccess(id liquidity.PoolID)
	RecordFailure(id liquidity.PoolID, err error)
}

// Result is the outcome of refreshing one pool: a snapshot or an error.
type Result struct {
	Pool liquidity.Pool
	Err  error
}

// Config configures an Orchestrator.
type Config struct {
	Source StateSource
	Health HealthReporter
	// MaxInFlight bounds concurrent fetches across all batches.
	MaxInFlight int64
	// DefaultTimeout applies when RefreshAll is given a non-positive timeout.
	DefaultTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// Orchestrator fans refreshes out to the state source.
type Orchestrator struct {
	source  StateSource
	health  HealthReporter
	limiter *semaphore.Weighted
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("state source is required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLoggerTo(io.Discard, "error", "json")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Orchestrator{
		source:  cfg.Source,
		health:  cfg.Health,
		limiter: semaphore.NewWeighted(cfg.MaxInFlight),
		timeout: cfg.DefaultTimeout,
		logger:  cfg.Logger.Component("orchestrator"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}, nil
}

// RefreshAll fetches every pool in ids at block and returns one Result per distinct
// id. Each fetch gets its own timeout, which starts once it holds an in-flight slot;
// a fetch that exceeds it yields a timeout FetchError for that pool only. RefreshAll
// never fails as a whole.
func (o *Orchestrator) RefreshAll(ctx context.Context, ids []liquidity.PoolID, block uint64, timeout time.Duration) map[liquidity.PoolID]Result {
	return o.fanOut(ctx, "orchestrator.refresh_all", o.source.GetOrFetch, ids, block, timeout)
}

// Maintain is RefreshAll for background work: the pools are refreshed through the
// source's Refresh, so maintenance never counts as demand for them.
func (o *Orchestrator) Maintain(ctx context.Context, ids []liquidity.PoolID, block uint64, timeout time.Duration) map[liquidity.PoolID]Result {
	return o.fanOut(ctx, "orchestrator.maintain", o.source.Refresh, ids, block, timeout)
}

func (o *Orchestrator) fanOut(ctx context.Context, name string, fetch fetchFunc, ids []liquidity.PoolID, block uint64, timeout time.Duration) map[liquidity.PoolID]Result {
	if timeout <= 0 {
		timeout = o.timeout
	}

	ctx, span := o.tracer.StartSpan(ctx, name,
		observability.WithAttributes(
			attribute.Int("pools", len(ids)),
			attribute.Int64("block", int64(block)),
		))
	defer span.End()

	results := make(map[liquidity.PoolID]Result, len(ids))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		mu.Lock()
		_, dup := results[id]
		if !dup {
			results[id] = Result{}
		}
		mu.Unlock()
		if dup {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.refresh(ctx, fetch, id, block, timeout)
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	failed, timedOut := 0, 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			if liquidity.IsTimeout(res.Err) {
				timedOut++
			}
		}
	}
	span.SetAttributes(attribute.Int("failed", failed), attribute.Int("timed_out", timedOut))
	if failed > 0 {
		o.logger.LogDebug(ctx, "refresh finished with failures",
			"block", block, "pools", len(results), "failed", failed, "timed_out", timedOut)
	}
	return results
}

func (o *Orchestrator) refresh(ctx context.Context, fetch fetchFunc, id liquidity.PoolID, block uint64, timeout time.Duration) Result {
	if err := o.limiter.Acquire(ctx, 1); err != nil {
		return Result{Err: &liquidity.FetchError{Pool: id, Block: block, Err: err}}
	}
	defer o.limiter.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := fetch(callCtx, id, block)
	if err != nil {
		// a cancelled batch says nothing about the pool
		if ctx.Err() != nil {
			return Result{Err: err}
		}
		if !liquidity.IsTimeout(err) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = liquidity.NewTimeoutError(id, block, err)
		}
		if o.health != nil {
			o.health.RecordFailure(id, err)
		}
		o.metrics.RecordError(ctx, "fetch")
		return Result{Err: err}
	}
	if o.health != nil {
		o.health.RecordSuccess(id)
	}
	return Result{Pool: pool}
}

// Snapshots returns the successful results of a batch.
func Snapshots(results map[liquidity.PoolID]Result) map[liquidity.PoolID]liquidity.Pool {
	out := make(map[liquidity.PoolID]liquidity.Pool, len(results))
	for id, res := range results {
		if res.Err == nil {
			out[id] = res.Pool
		}
	}
	return out
}
