// Package notification publishes finished quotes to a message bus so downstream
// consumers can archive and analyse them.
package notification

import (
	"context"
	"fmt"

	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SNSPublisher is the subset of aws.SNSClient the publisher needs.
type SNSPublisher interface {
	Publish(ctx context.Context, topicARN string, message any, attributes map[string]string) (string, error)
}

// Publisher publishes quote events to an SNS topic.
type Publisher struct {
	sns      SNSPublisher
	topicARN string
	logger   *observability.Logger
	tracer   observability.Tracer
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	SNS      SNSPublisher
	TopicARN string
	Logger   *observability.Logger
	Tracer   observability.Tracer
}

// NewPublisher creates a quote event publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.SNS == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Publisher{
		sns:      cfg.SNS,
		topicARN: cfg.TopicARN,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
	}, nil
}

// PublishQuote publishes one event.
func (p *Publisher) PublishQuote(ctx context.Context, ev QuoteEvent) error {
	ctx, span := p.tracer.StartSpan(
		ctx,
		"Publisher.PublishQuote",
		observability.WithSpanKind(trace.SpanKindProducer),
		observability.WithAttributes(
			attribute.String("event_id", ev.EventID),
			attribute.String("status", ev.Status),
			attribute.String("topic_arn", p.topicARN),
		),
	)
	defer span.End()

	messageID, err := p.sns.Publish(ctx, p.topicARN, ev, ev.Attributes())
	if err != nil {
		span.NoticeError(err)
		return fmt.Errorf("publish quote event %s: %w", ev.EventID, err)
	}

	if p.logger != nil {
		p.logger.LogDebug(ctx, "published quote event",
			"event_id", ev.EventID,
			"message_id", messageID,
			"status", ev.Status,
			"pair", ev.Pair,
		)
	}
	return nil
}
