package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// RetryConfig bounds an in-process retry loop around a store or queue call.
type RetryConfig struct {
	Attempts int      // including the first call
	Backoff  Strategy // delay after each failed call; nil retries immediately
}

// DefaultRetryConfig is used for store and queue calls made by workers.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 5, Backoff: NewExponential(50*time.Millisecond, 5*time.Second, 0.1)}
}

// ConflictRetryConfig is the small bound applied to optimistic-concurrency
// conflicts. Conflicts that outlast it indicate a defect, not contention.
func ConflictRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 4, Backoff: NewExponential(5*time.Millisecond, 200*time.Millisecond, 0.5)}
}

// Retry calls operation until it succeeds, retryable reports false, the
// attempts run out, or ctx is done. A nil retryable retries every error.
// Context errors returned by operation are never retried.
func Retry(ctx context.Context, cfg RetryConfig, retryable func(error) bool, operation func() error) error {
	attempts := max(cfg.Attempts, 1)
	var err error
	for attempt := 1; ; attempt++ {
		if err = operation(); err == nil {
			return nil
		}
		if isContextErr(err) || (retryable != nil && !retryable(err)) || attempt >= attempts {
			return err
		}

		var wait time.Duration
		if cfg.Backoff != nil {
			wait = cfg.Backoff.Delay(attempt)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// OnConflict re-runs operation while it fails with a ConcurrentModificationError.
// operation must reload whatever state its decision depends on. When the
// conflict outlasts cfg the returned error wraps ErrPersistentConflict.
func OnConflict(ctx context.Context, cfg RetryConfig, operation func() error) error {
	err := Retry(ctx, cfg, core.IsConcurrentModification, operation)
	if err != nil && core.IsConcurrentModification(err) {
		return fmt.Errorf("%w: %w", core.ErrPersistentConflict, err)
	}
	return err
}

// IsRetryableError reports whether a store or queue error is worth repeating
// as is. Conflicts need a reload first and context errors are final;
// anything else (connection resets, lock timeouts, deadlocks) is retried.
func IsRetryableError(err error) bool {
	return err != nil && !isContextErr(err) && !core.IsConcurrentModification(err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
