package apperr

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls the bounded exponential backoff applied to
// upstream calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Base is the exponential growth factor.
	Base float64

	// Jitter randomizes each delay in [0.5d, 1.5d) when set.
	Jitter bool
}

// DefaultRetryConfig matches the upstream policy: 3 attempts, 1-30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Base:         2.0,
		Jitter:       true,
	}
}

// Delay returns the backoff delay for a 0-indexed attempt.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= c.Base
	}
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, the attempts are exhausted, or the
// context is cancelled. Only KindUpstreamUnavailable errors are retried;
// any other error returns immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Delay(attempt - 1)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Is(lastErr, KindUpstreamUnavailable) {
			return lastErr
		}
	}

	return lastErr
}
