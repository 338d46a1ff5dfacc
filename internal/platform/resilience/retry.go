package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0.0 to 1.0
	// Retryable filters which errors are retried. Nil uses IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      0.1,
	}
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, or attempts run out.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is Retry for functions returning a value.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(calculateBackoff(attempt, cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter)):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during backoff: %w", err)
		}
	}

	return zero, fmt.Errorf("max retry attempts reached: %w", lastErr)
}

// Backoff returns the delay to wait before retry number attempt (zero based) under cfg.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	return calculateBackoff(attempt, cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter)
}

// calculateBackoff calculates delay with exponential backoff and jitter
func calculateBackoff(attempt int, baseDelay, maxDelay time.Duration, jitter float64) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		spread := delay * jitter
		delay = delay - spread + rand.Float64()*2*spread
	}

	return time.Duration(delay)
}

// IsRetryable reports whether err looks like a transient transport failure.
// Reverts, bad arguments, open breakers and cancellations are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "revert") || strings.Contains(msg, "invalid argument") {
		return false
	}
	if strings.Contains(msg, "status code 4") && !strings.Contains(msg, "status code 429") {
		return false
	}

	return true
}

// IsRateLimited reports whether err is a remote rate-limit response.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}
