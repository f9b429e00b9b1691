// Package resilience provides retry with exponential backoff and a circuit
// breaker, the failure-handling building blocks used by the query cache's
// fetch coordinator.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines the retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay each attempt.
	BackoffMultiplier float64

	// Jitter adds up to 10% randomness to each delay to avoid thundering
	// herds.
	Jitter bool

	// RetryIf decides whether an error is worth retrying. Nil retries
	// every non-nil error.
	RetryIf func(err error) bool

	// OnRetry is called before each retry sleep with the 1-based retry
	// number, the error, and the chosen delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns the retry configuration used by the query
// coordinator: two retries at 300ms base delay, doubling, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    300 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Retry executes fn, retrying per cfg. It returns nil on the first
// success, the original error when RetryIf rejects it, a wrapped context
// error when ctx ends during a backoff sleep, and a wrapped final error
// once the budget is exhausted.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := backoff(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("max retries exceeded (%d): %w", cfg.MaxRetries, lastErr)
}

func backoff(attempt int, cfg RetryConfig) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if max := float64(cfg.MaxBackoff); cfg.MaxBackoff > 0 && d > max {
		d = max
	}
	if cfg.Jitter {
		d += rand.Float64() * 0.1 * d
	}
	return time.Duration(d)
}
