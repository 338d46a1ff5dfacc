// Package aggregator answers quote requests: it resolves the candidate pools of a
// pair, refreshes them at one block, prices each and selects the best quote.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/orchestrator"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"go.opentelemetry.io/otel/attribute"
)

// Quote outcomes reported to metrics.
const (
	StatusOK          = "ok"
	StatusNoLiquidity = "no_liquidity"
	StatusError       = "error"
)

// Candidates lists the reachable pools of a pair. The registry implements it.
type Candidates interface {
	PoolsFor(pair liquidity.TokenPair) []liquidity.PoolID
}

// Discoverer makes sure a pair's pools are registered before they are listed.
type Discoverer interface {
	Ensure(ctx context.Context, pair liquidity.TokenPair) error
}

// Refresher fetches pool snapshots at a block. The orchestrator implements it.
type Refresher interface {
	RefreshAll(ctx context.Context, ids []liquidity.PoolID, block uint64, timeout time.Duration) map[liquidity.PoolID]orchestrator.Result
}

// Pinner holds a fetched snapshot in the cache until release is called. The state
// cache implements it.
type Pinner interface {
	Pin(id liquidity.PoolID, block uint64) (release func(), ok bool)
}

// Pricer prices a request against one snapshot. The quote engine implements it.
type Pricer interface {
	Quote(pool liquidity.Pool, req liquidity.Request, block uint64) (liquidity.Quote, error)
}

// BlockSource reports the current block for requests without one.
type BlockSource interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}

// Sink receives every finished aggregation. Record must not block.
type Sink interface {
	Record(ctx context.Context, res Result)
}

// Candidate is the outcome of one pool for a request.
type Candidate struct {
	Pool  liquidity.PoolID `json:"pool"`
	Quote *liquidity.Quote `json:"quote,omitempty"`
	Error string           `json:"error,omitempty"`
	Err   error            `json:"-"`
}

// Result is a full aggregation: the best quote and how every candidate fared.
type Result struct {
	Request    liquidity.Request   `json:"-"`
	Pair       liquidity.TokenPair `json:"pair"`
	Block      uint64              `json:"block"`
	Best       *liquidity.Quote    `json:"best,omitempty"`
	Candidates []Candidate         `json:"candidates"`
	Duration   time.Duration       `json:"-"`
	Err        error               `json:"-"`
}

// Status classifies the outcome as StatusOK, StatusNoLiquidity or StatusError.
func (r Result) Status() string {
	switch {
	case r.Err == nil:
		return StatusOK
	case errors.Is(r.Err, liquidity.ErrNoLiquidity):
		return StatusNoLiquidity
	default:
		return StatusError
	}
}

// Failed counts the candidates that did not produce a quote.
func (r Result) Failed() int {
	n := 0
	for _, c := range r.Candidates {
		if c.Quote == nil {
			n++
		}
	}
	return n
}

// Config configures an Aggregator.
type Config struct {
	Registry     Candidates
	Discovery    Discoverer
	Orchestrator Refresher
	Engine       Pricer
	Blocks       BlockSource
	// FetchTimeout is the per-pool refresh timeout; zero uses the orchestrator's.
	FetchTimeout time.Duration
	// Pins, when set, keeps the fetched snapshots cached while they are priced.
	Pins  Pinner
	Sinks []Sink

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	cfg    Config
	logger *observability.Logger
	tracer observability.Tracer
}

// New creates an aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Registry == nil || cfg.Orchestrator == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("registry, orchestrator and engine are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLoggerTo(io.Discard, "error", "json")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}
	return &Aggregator{cfg: cfg, logger: logger.Component("aggregator"), tracer: tracer}, nil
}

// Quote returns the best quote for req at block. When no candidate pool yields a
// quote the error is a *liquidity.NoLiquidityError.
func (a *Aggregator) Quote(ctx context.Context, req liquidity.Request, block uint64) (liquidity.Quote, error) {
	res, err := a.QuoteDetailed(ctx, req, block)
	if err != nil {
		return liquidity.Quote{}, err
	}
	return *res.Best, nil
}

// QuoteLatest quotes req at the current block.
func (a *Aggregator) QuoteLatest(ctx context.Context, req liquidity.Request) (Result, error) {
	if a.cfg.Blocks == nil {
		return Result{}, fmt.Errorf("no block source configured")
	}
	block, err := a.cfg.Blocks.CurrentBlock(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("current block: %w", err)
	}
	return a.QuoteDetailed(ctx, req, block)
}

// QuoteDetailed is Quote with the outcome of every candidate. The Result is filled
// in for no-liquidity outcomes as well.
func (a *Aggregator) QuoteDetailed(ctx context.Context, req liquidity.Request, block uint64) (Result, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	pair, err := req.Pair()
	if err != nil {
		return Result{}, err
	}

	ctx, span := a.tracer.StartSpan(ctx, "aggregator.quote",
		observability.WithAttributes(
			attribute.String("pair", pair.String()),
			attribute.String("kind", string(req.Kind)),
			attribute.Int64("block", int64(block)),
		))
	defer span.End()

	if a.cfg.Discovery != nil {
		if err := a.cfg.Discovery.Ensure(ctx, pair); err != nil {
			a.logger.LogWarn(ctx, "discovery failed, using registered pools", "pair", pair.String(), "error", err)
		}
	}

	res := Result{Request: req, Pair: pair, Block: block}
	ids := a.cfg.Registry.PoolsFor(pair)
	if len(ids) > 0 {
		res.Candidates, res.Best = a.price(ctx, req, ids, block)
	}

	switch {
	case res.Best != nil:
	case ctx.Err() != nil:
		res.Err = ctx.Err()
	default:
		failures := make(map[liquidity.PoolID]error, len(res.Candidates))
		for _, c := range res.Candidates {
			failures[c.Pool] = c.Err
		}
		res.Err = &liquidity.NoLiquidityError{Pair: pair, Block: block, Candidates: len(ids), Failures: failures}
	}
	res.Duration = time.Since(start)

	status := res.Status()
	if status == StatusError {
		span.RecordError(res.Err)
	}
	span.SetAttributes(attribute.Int("candidates", len(ids)), attribute.String("status", status))
	a.cfg.Metrics.RecordQuote(ctx, string(req.Kind), status, len(ids), res.Duration)

	if res.Best != nil {
		a.logger.LogDebug(ctx, "quote selected", "pair", pair.String(), "block", block,
			"pool", res.Best.Pool.String(), "result", res.Best.Result().String(), "candidates", len(ids))
	}
	for _, s := range a.cfg.Sinks {
		s.Record(ctx, res)
	}
	return res, res.Err
}

// price refreshes ids at block and returns every candidate in id order together with
// the best quote, or nil when none priced.
func (a *Aggregator) price(ctx context.Context, req liquidity.Request, ids []liquidity.PoolID, block uint64) ([]Candidate, *liquidity.Quote) {
	fetched := a.cfg.Orchestrator.RefreshAll(ctx, ids, block, a.cfg.FetchTimeout)
	if a.cfg.Pins != nil {
		for id, fr := range fetched {
			if fr.Err != nil {
				continue
			}
			if release, ok := a.cfg.Pins.Pin(id, block); ok {
				defer release()
			}
		}
	}

	var best *liquidity.Quote
	candidates := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		c := Candidate{Pool: id}
		fr, ok := fetched[id]
		switch {
		case !ok:
			c.Err = &liquidity.FetchError{Pool: id, Block: block, Err: errors.New("not refreshed")}
		case fr.Err != nil:
			c.Err = fr.Err
		default:
			q, err := a.cfg.Engine.Quote(fr.Pool, req, block)
			if err != nil {
				c.Err = err
				if !errors.Is(err, liquidity.ErrInvariant) {
					a.logger.LogWarn(ctx, "pool rejected request", "pool", id.String(), "block", block, "error", err)
				}
				break
			}
			c.Quote = &q
			if best == nil || q.Better(*best) {
				best = &q
			}
		}
		if c.Err != nil {
			c.Error = c.Err.Error()
		}
		candidates = append(candidates, c)
	}
	return candidates, best
}
