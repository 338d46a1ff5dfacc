package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter wraps rate.Limiter with adaptive backoff: a rate-limit response from the
// remote halves the allowed rate down to a floor, and a run of successes restores it.
type RateLimiter struct {
	limiter *rate.Limiter
	base    rate.Limit
	floor   rate.Limit

	mu        sync.Mutex
	successes int
	recoverAt int
}

// NewRateLimiter creates a limiter allowing rps requests per second with the given burst.
// A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiter:   rate.NewLimiter(limit, burst),
		base:      limit,
		floor:     limit / 8,
		recoverAt: 20,
	}
}

// NewRateLimiterFromRPM creates a limiter from requests per minute, bursting 10% of the rate.
func NewRateLimiterFromRPM(requestsPerMinute int) *RateLimiter {
	burst := requestsPerMinute / 10
	return NewRateLimiter(float64(requestsPerMinute)/60.0, burst)
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// Allow reports whether a request may happen now.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// Limit returns the currently allowed rate.
func (rl *RateLimiter) Limit() rate.Limit {
	return rl.limiter.Limit()
}

// RecordRateLimited halves the allowed rate, bounded by the floor.
func (rl *RateLimiter) RecordRateLimited() {
	if rl.base == rate.Inf {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.successes = 0
	next := rl.limiter.Limit() / 2
	if next < rl.floor {
		next = rl.floor
	}
	rl.limiter.SetLimit(next)
}

// RecordSuccess doubles a reduced rate back toward the base after a run of successes.
func (rl *RateLimiter) RecordSuccess() {
	if rl.base == rate.Inf {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	current := rl.limiter.Limit()
	if current >= rl.base {
		return
	}
	rl.successes++
	if rl.successes < rl.recoverAt {
		return
	}
	rl.successes = 0
	next := current * 2
	if next > rl.base {
		next = rl.base
	}
	rl.limiter.SetLimit(next)
}
