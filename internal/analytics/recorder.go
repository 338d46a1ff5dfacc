package analytics

import (
	"context"
	"io"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/aggregator"
	"github.com/cowprotocol/cow-native-liquidity/internal/money"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/worker"
	"github.com/ethereum/go-ethereum/common"
)

// TokenDecimals looks up the decimals of known tokens.
type TokenDecimals interface {
	Decimals(token common.Address) (int, bool)
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Store     *Store
	Tokens    TokenDecimals
	Workers   int
	QueueSize int
	// Retention prunes records older than this from Run. Zero keeps everything.
	Retention     time.Duration
	PruneInterval time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Recorder is an aggregator.Sink writing quote records in the background. Records
// that do not fit in the queue are dropped and counted.
type Recorder struct {
	cfg     RecorderConfig
	pool    *worker.Pool[*QuoteRecord]
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRecorder starts the writer workers. Close stops them after draining the queue.
func NewRecorder(ctx context.Context, cfg RecorderConfig) *Recorder {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLoggerTo(io.Discard, "error", "json")
	}

	r := &Recorder{cfg: cfg, logger: logger.Component("analytics"), metrics: cfg.Metrics}
	r.pool = worker.NewPool(ctx, cfg.Workers, cfg.QueueSize, r.write)
	return r
}

// Record queues res for writing.
func (r *Recorder) Record(ctx context.Context, res aggregator.Result) {
	if !r.pool.TrySubmit(r.toRecord(res)) {
		r.metrics.RecordAnalyticsDropped(ctx, "sqlite")
	}
}

func (r *Recorder) write(ctx context.Context, rec *QuoteRecord) {
	if err := r.cfg.Store.SaveQuote(ctx, rec); err != nil {
		r.logger.LogError(ctx, "failed to save quote record", err, "pair", rec.Pair, "block", rec.Block)
		r.metrics.RecordError(ctx, "analytics")
	}
}

func (r *Recorder) toRecord(res aggregator.Result) *QuoteRecord {
	req := res.Request
	rec := &QuoteRecord{
		Status:     res.Status(),
		Pair:       res.Pair.String(),
		Block:      res.Block,
		Kind:       string(req.Kind),
		TokenIn:    req.TokenIn.Hex(),
		TokenOut:   req.TokenOut.Hex(),
		Candidates: len(res.Candidates),
		Failed:     res.Failed(),
		DurationMs: res.Duration.Milliseconds(),
		CreatedAt:  r.cfg.Now().UTC(),
	}
	if req.Amount != nil {
		rec.Amount = req.Amount.String()
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if best := res.Best; best != nil {
		rec.AmountIn = best.AmountIn.String()
		rec.AmountOut = best.AmountOut.String()
		rec.Pool = best.Pool.String()
		if r.cfg.Tokens != nil {
			decIn, okIn := r.cfg.Tokens.Decimals(best.TokenIn)
			decOut, okOut := r.cfg.Tokens.Decimals(best.TokenOut)
			if okIn && okOut {
				rec.Price = money.EffectivePrice(best.AmountIn, decIn, best.AmountOut, decOut).String()
			}
		}
	}

	rec.Outcomes = make([]CandidateRecord, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		out := CandidateRecord{Pool: c.Pool.String(), Error: c.Error}
		if c.Quote != nil {
			out.Result = c.Quote.Result().String()
		}
		rec.Outcomes = append(rec.Outcomes, out)
	}
	return rec
}

// Run prunes expired records every PruneInterval until ctx is done. It returns
// immediately when no retention is configured.
func (r *Recorder) Run(ctx context.Context) error {
	if r.cfg.Retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(r.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Prune(ctx)
		}
	}
}

// Prune removes records older than the retention window.
func (r *Recorder) Prune(ctx context.Context) {
	if r.cfg.Retention <= 0 {
		return
	}
	removed, err := r.cfg.Store.Prune(ctx, r.cfg.Now().Add(-r.cfg.Retention))
	if err != nil {
		r.logger.LogError(ctx, "failed to prune quote records", err)
		return
	}
	if removed > 0 {
		r.logger.LogInfo(ctx, "pruned quote records", "removed", removed)
	}
}

// Stats reports the writer queue state.
func (r *Recorder) Stats() worker.Stats {
	return r.pool.Stats()
}

// Close drains the queue and stops the workers.
func (r *Recorder) Close() {
	r.pool.Close()
}
