// Package resilience provides a small retryable-operation helper with
// cooperative cancellation and capped exponential backoff.
package resilience

import (
	"context"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int               // Total attempts, including the first
	BackoffCap  time.Duration     // Upper bound for one backoff sleep
	IsTransient func(error) bool  // Predicate deciding whether to retry; nil uses IsTransient
}

// DefaultRetryConfig returns sensible defaults for network transfers.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BackoffCap:  60 * time.Second,
	}
}

// RetryFunc is the operation signature for retryable work.
type RetryFunc func(ctx context.Context) error

// RetryCallback is invoked before each backoff sleep with the 1-based
// number of the attempt that just failed, its error, and the delay.
type RetryCallback func(attempt int, err error, delay time.Duration)

// Retry runs fn until it succeeds, fails non-transiently, exhausts
// MaxAttempts, or ctx is done. The backoff before retry n is
// min(BackoffCap, 2^n seconds).
func Retry(ctx context.Context, cfg RetryConfig, fn RetryFunc, callback RetryCallback) error {
	transient := cfg.IsTransient
	if transient == nil {
		transient = IsTransient
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !transient(err) || attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg.BackoffCap, attempt)
		if callback != nil {
			callback(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffDelay computes min(cap, 2^attempt) seconds.
func backoffDelay(cap time.Duration, attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}
