// Package ratelimit paces calls to the remote record store and backs off on 429 responses
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces calls by a fixed delay and slows down after throttling responses
type RateLimiter struct {
	limiter           *rate.Limiter
	mu                sync.Mutex
	consecutiveErrors int
	currentDelay      time.Duration
	config            *Config
}

// Config holds rate limiter configuration
type Config struct {
	APIDelay          time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	MaxAttempts       int
}

// DefaultConfig matches the remote store's documented limit of five requests per second
func DefaultConfig() *Config {
	return &Config{
		APIDelay:          200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		MaxAttempts:       5,
	}
}

// HTTPStatusError is implemented by errors that carry the HTTP status of a failed call
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *Config) *RateLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	return &RateLimiter{
		limiter:      rate.NewLimiter(limitFor(cfg.APIDelay), 1),
		currentDelay: cfg.APIDelay,
		config:       cfg,
	}
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// Wait blocks until the rate limiter allows the request
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// IsThrottled reports whether err is a 429 from the remote side
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	var se HTTPStatusError
	if errors.As(err, &se) {
		return se.HTTPStatus() == http.StatusTooManyRequests
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

// HandleError returns whether to retry err and how long to wait first
func (r *RateLimiter) HandleError(err error) (shouldRetry bool, waitTime time.Duration) {
	if !IsThrottled(err) {
		return false, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	waitTime = time.Duration(math.Min(
		float64(r.config.APIDelay)*math.Pow(r.config.BackoffMultiplier, float64(r.consecutiveErrors)),
		float64(r.config.MaxDelay),
	))

	if waitTime > r.currentDelay {
		r.currentDelay = waitTime
		r.limiter.SetLimit(limitFor(waitTime))
	}

	return r.consecutiveErrors < r.config.MaxAttempts, waitTime
}

// Success restores the configured pace after a throttled period
func (r *RateLimiter) Success() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consecutiveErrors > 0 {
		r.consecutiveErrors = 0
		r.currentDelay = r.config.APIDelay
		r.limiter.SetLimit(limitFor(r.config.APIDelay))
	}
}

// CurrentDelay returns the spacing currently enforced between calls
func (r *RateLimiter) CurrentDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentDelay
}

// ExecuteWithRetry runs fn under the limiter, retrying only throttled failures.
// The last error from fn is returned unchanged so callers can inspect it.
func (r *RateLimiter) ExecuteWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if err := r.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			r.Success()
			return nil
		}

		shouldRetry, waitTime := r.HandleError(lastErr)
		if !shouldRetry {
			return lastErr
		}

		if err := Pause(ctx, waitTime); err != nil {
			return err
		}
	}

	return lastErr
}

// Pause sleeps for d or until ctx is done
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
