// Package resilience provides the shared resilience primitives used across
// fleetd: bounded retry with exponential backoff, a token-bucket rate
// limiter, a circuit breaker, and a periodic health monitor scaffold.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds a retried operation. The zero value is unusable; use
// DefaultRetryConfig or fill every field.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the exponential backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryConfig matches the persistence retry policy: 3 attempts,
// 100ms initial backoff doubling up to a 2s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Permanent marks err as terminal so Retry returns it without further
// attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a terminal error, the attempt
// budget is exhausted, or ctx is done. Errors are treated as transient
// unless wrapped with Permanent by the caller.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	return backoff.Retry(op,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1)), ctx))
}
