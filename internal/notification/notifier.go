package notification

import (
	"context"
	"io"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/aggregator"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/worker"
)

// EventPublisher delivers quote events. Publisher and NoOpPublisher implement it.
type EventPublisher interface {
	PublishQuote(ctx context.Context, ev QuoteEvent) error
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Publisher EventPublisher
	Tokens    TokenDecimals
	// Statuses limits which outcomes are published. Empty publishes all of them.
	Statuses  []string
	Workers   int
	QueueSize int

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Notifier is an aggregator.Sink that publishes quote events in the background.
// Events that do not fit in the queue are dropped.
type Notifier struct {
	publisher EventPublisher
	tokens    TokenDecimals
	statuses  map[string]bool
	pool      *worker.Pool[QuoteEvent]
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewNotifier starts the publishing workers. Close stops them.
func NewNotifier(ctx context.Context, cfg NotifierConfig) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLoggerTo(io.Discard, "error", "json")
	}

	n := &Notifier{
		publisher: cfg.Publisher,
		tokens:    cfg.Tokens,
		logger:    logger.Component("notifier"),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if len(cfg.Statuses) > 0 {
		n.statuses = make(map[string]bool, len(cfg.Statuses))
		for _, s := range cfg.Statuses {
			n.statuses[s] = true
		}
	}
	n.pool = worker.NewPool(ctx, cfg.Workers, cfg.QueueSize, n.publish)
	return n
}

// Record queues the event for res.
func (n *Notifier) Record(ctx context.Context, res aggregator.Result) {
	if n.statuses != nil && !n.statuses[res.Status()] {
		return
	}
	if !n.pool.TrySubmit(NewQuoteEvent(res, n.tokens, n.now())) {
		n.metrics.RecordAnalyticsDropped(ctx, "notifier")
	}
}

func (n *Notifier) publish(ctx context.Context, ev QuoteEvent) {
	if err := n.publisher.PublishQuote(ctx, ev); err != nil {
		n.logger.LogError(ctx, "failed to publish quote event", err, "event_id", ev.EventID)
		n.metrics.RecordError(ctx, "publish")
	}
}

// Stats reports the queue state.
func (n *Notifier) Stats() worker.Stats {
	return n.pool.Stats()
}

// Close drains queued events and stops the workers.
func (n *Notifier) Close() {
	n.pool.Close()
}
