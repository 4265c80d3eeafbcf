// Package retry runs an operation again with exponential backoff while its
// error is classified as transient. The issuance ledger uses it to ride out
// DuckDB write conflicts between concurrent portalca processes.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config controls the backoff schedule. MaxRetries and InitialBackoff must be
// positive.
type Config struct {
	// MaxRetries is the total number of attempts.
	MaxRetries int

	// InitialBackoff is the wait before the second attempt. It doubles for
	// every further attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait. Zero leaves it uncapped.
	MaxBackoff time.Duration

	// Jitter in [0,1] stretches later waits by up to that fraction.
	Jitter float64
}

// Default is the schedule used for local database writes.
var Default = Config{
	MaxRetries:     10,
	InitialBackoff: 10 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
	Jitter:         0.1,
}

// ShouldRetryFunc classifies an error as transient. A nil func retries
// everything.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, returns a non-transient error, the attempts
// run out or ctx is done. Exhaustion wraps the last error.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// backoff returns InitialBackoff*2^(attempt-1), capped, plus jitter that
// grows linearly with the attempt number.
func backoff(cfg Config, attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt-1)) * float64(cfg.InitialBackoff))
	if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
		wait = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 {
		wait += time.Duration(float64(wait) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries))
	}
	return wait
}
