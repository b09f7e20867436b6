package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// RetryConfig bounds how store writes of the leader loops are retried.
// Backoff grows by Multiplier per attempt up to MaxBackoff, randomized by
// ±Jitter of itself.
type RetryConfig struct {
	MaxAttempts    int // including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

// DefaultRetryConfig allows five attempts over roughly two seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
	}
}

// retryWithBackoff runs operation until it succeeds, returns an error that
// is not worth retrying, or runs out of attempts.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil || !IsRetryableError(lastErr) {
			return lastErr
		}
		if attempt >= config.MaxAttempts {
			break
		}

		jitter := time.Duration(float64(backoff) * config.Jitter * (rand.Float64()*2 - 1))
		sleepDuration := backoff + jitter
		if sleepDuration < 0 {
			sleepDuration = backoff
		}
		var after *core.RetryAfterError
		if errors.As(lastErr, &after) && after.Delay > 0 {
			sleepDuration = after.Delay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// IsRetryableError reports whether a store error may be transient. Context
// errors and the store's own verdicts (not found, lost compare-and-set,
// finished execution) are final; anything else, such as a dropped
// connection or a lock timeout, is retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	for _, final := range []error{
		core.ErrNotFound,
		core.ErrStatusConflict,
		core.ErrInvalidTransition,
		core.ErrMaxTriesExceeded,
		core.ErrExecutionNotRunning,
		core.ErrAlreadySuperseded,
		core.ErrPhaseOrder,
	} {
		if errors.Is(err, final) {
			return false
		}
	}
	var noRetry *core.NoRetryError
	return !errors.As(err, &noRetry)
}
