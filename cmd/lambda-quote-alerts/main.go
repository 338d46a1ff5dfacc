// Command lambda-quote-alerts forwards failed quotes to a webhook. It consumes an SQS
// queue subscribed to the quote topic, usually with a filter policy on "status".
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/cowprotocol/cow-native-liquidity/internal/notification"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/resilience"
)

// HTTPError is a non-2xx webhook response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("webhook failed with status %d", e.StatusCode)
}

// retryable retries server errors, throttling and transport failures.
func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// alert is the webhook payload.
type alert struct {
	Text  string                  `json:"text"`
	Event notification.QuoteEvent `json:"event"`
}

type forwarder struct {
	client   *http.Client
	url      string
	statuses []string
	retry    resilience.RetryConfig
	logger   *observability.Logger
}

// Handle posts every matching event and reports the records whose delivery failed.
// Events with other statuses are acknowledged without a call.
func (f *forwarder) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var failures []events.SQSBatchItemFailure
	sent := 0
	for _, record := range ev.Records {
		quote, err := notification.DecodeQueueMessage(record.Body)
		if err != nil {
			f.logger.LogError(ctx, "failed to decode record", err, "message_id", record.MessageId)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}
		if !slices.Contains(f.statuses, quote.Status) {
			continue
		}
		if f.url == "" {
			f.logger.LogWarn(ctx, "no webhook URL configured, alert skipped", "event_id", quote.EventID)
			continue
		}

		err = resilience.Retry(ctx, f.retry, func(ctx context.Context) error {
			return f.send(ctx, quote)
		})
		if err != nil {
			f.logger.LogError(ctx, "failed to deliver alert", err, "event_id", quote.EventID, "url", maskURL(f.url))
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}
		sent++
	}

	f.logger.LogInfo(ctx, "batch processed",
		"records", len(ev.Records),
		"sent", sent,
		"failed", len(failures),
	)
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (f *forwarder) send(ctx context.Context, ev notification.QuoteEvent) error {
	body, err := json.Marshal(alert{Text: summary(ev), Event: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "native-liquidity-quoter/alerts")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(snippet)}
}

func summary(ev notification.QuoteEvent) string {
	msg := fmt.Sprintf("quote %s for %s at block %d: %d of %d pools failed",
		ev.Status, ev.Pair, ev.Block, ev.Failed, ev.Candidates)
	if ev.Error != "" {
		msg += " (" + ev.Error + ")"
	}
	return msg
}

// maskURL hides the secret part of webhook URLs in logs.
func maskURL(url string) string {
	if len(url) > 30 {
		return url[:15] + "..." + url[len(url)-10:]
	}
	return url
}

func main() {
	statuses := strings.Split(envOr("ALERT_STATUSES", "no_liquidity,error"), ",")
	for i := range statuses {
		statuses[i] = strings.TrimSpace(statuses[i])
	}

	f := &forwarder{
		client:   &http.Client{Timeout: 5 * time.Second},
		url:      os.Getenv("WEBHOOK_URL"),
		statuses: statuses,
		retry: resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    4 * time.Second,
			Jitter:      0.1,
			Retryable:   retryable,
		},
		logger: observability.NewLogger(envOr("LOG_LEVEL", "info"), "json").Component("quote-alerts"),
	}
	f.logger.LogInfo(context.Background(), "alerts initialized", "statuses", statuses, "url", maskURL(f.url))
	lambda.Start(f.Handle)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
