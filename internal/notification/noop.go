package notification

import (
	"context"

	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
)

// NoOpPublisher logs quote events instead of publishing them.
// Use this when SNS is not configured (local development, testing).
type NoOpPublisher struct {
	logger *observability.Logger
}

// NewNoOpPublisher creates a publisher that only logs.
func NewNoOpPublisher(logger *observability.Logger) *NoOpPublisher {
	return &NoOpPublisher{logger: logger}
}

// PublishQuote logs the event.
func (p *NoOpPublisher) PublishQuote(ctx context.Context, ev QuoteEvent) error {
	if p.logger != nil {
		p.logger.LogDebug(ctx, "quote event (SNS disabled)",
			"event_id", ev.EventID,
			"status", ev.Status,
			"pair", ev.Pair,
			"block", ev.Block,
			"pool", ev.Pool,
			"price", ev.Price,
		)
	}
	return nil
}
