package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// recorder is a Strategy that returns no delay and remembers what it was asked.
type recorder struct{ asked []int }

func (r *recorder) Delay(attempt int) time.Duration {
	r.asked = append(r.asked, attempt)
	return 0
}

// failing returns an operation that fails n times with err, then succeeds.
func failing(n int, err error, calls *int) func() error {
	return func() error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}
}

func TestRetryConfigs(t *testing.T) {
	def := DefaultRetryConfig()
	assert.Equal(t, 5, def.Attempts)
	assert.NotNil(t, def.Backoff)

	conflict := ConflictRetryConfig()
	assert.Equal(t, 4, conflict.Attempts)
	for attempt := 1; attempt <= conflict.Attempts; attempt++ {
		assert.LessOrEqual(t, conflict.Backoff.Delay(attempt), 200*time.Millisecond)
	}
}

func TestRetry(t *testing.T) {
	flaky := errors.New("connection reset")
	tests := []struct {
		name      string
		attempts  int
		failures  int
		err       error
		retryable func(error) bool
		wantCalls int
		wantErr   error
		wantAsked []int
	}{
		{name: "first call succeeds", attempts: 3, wantCalls: 1},
		{name: "succeeds after retries", attempts: 3, failures: 2, err: flaky, wantCalls: 3, wantAsked: []int{1, 2}},
		{name: "runs out of attempts", attempts: 3, failures: 5, err: flaky, wantCalls: 3, wantErr: flaky, wantAsked: []int{1, 2}},
		{name: "zero attempts still calls once", attempts: 0, failures: 5, err: flaky, wantCalls: 1, wantErr: flaky},
		{name: "context error is final", attempts: 3, failures: 5, err: context.Canceled, wantCalls: 1, wantErr: context.Canceled},
		{name: "not retryable", attempts: 3, failures: 5, err: flaky, retryable: func(error) bool { return false }, wantCalls: 1, wantErr: flaky},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			var calls int
			err := Retry(context.Background(), RetryConfig{Attempts: tt.attempts, Backoff: rec}, tt.retryable, failing(tt.failures, tt.err, &calls))

			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantAsked, rec.asked)
		})
	}
}

func TestRetry_NilBackoffRetriesImmediately(t *testing.T) {
	var calls int
	err := Retry(context.Background(), RetryConfig{Attempts: 3}, nil, failing(2, errors.New("x"), &calls))
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_WaitsForBackoff(t *testing.T) {
	var calls int
	start := time.Now()
	err := Retry(context.Background(), RetryConfig{Attempts: 3, Backoff: Constant(20 * time.Millisecond)}, nil,
		failing(2, errors.New("x"), &calls))
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var calls int
	start := time.Now()
	err := Retry(ctx, RetryConfig{Attempts: 10, Backoff: Constant(time.Hour)}, nil, failing(10, errors.New("x"), &calls))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"wrapped deadline", errors.Join(errors.New("query"), context.DeadlineExceeded), false},
		{"generic", errors.New("deadlock detected"), true},
		{"conflict", &core.ConcurrentModificationError{Entity: "job", ID: "x"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableError(tt.err), tt.name)
	}
}

func fastConflict() RetryConfig {
	return RetryConfig{Attempts: 3, Backoff: Constant(time.Millisecond)}
}

func TestOnConflict_ReloadsUntilResolved(t *testing.T) {
	var calls int
	conflict := &core.ConcurrentModificationError{Entity: "pipeline", ID: "p", Version: 1}
	assert.NoError(t, OnConflict(context.Background(), fastConflict(), failing(1, conflict, &calls)))
	assert.Equal(t, 2, calls)
}

func TestOnConflict_PersistentConflictIsSurfaced(t *testing.T) {
	var calls int
	conflict := &core.ConcurrentModificationError{Entity: "pipeline", ID: "p", Version: 1}
	err := OnConflict(context.Background(), fastConflict(), failing(10, conflict, &calls))

	assert.ErrorIs(t, err, core.ErrPersistentConflict)
	assert.True(t, core.IsConcurrentModification(err))
	assert.Equal(t, 3, calls)
}

func TestOnConflict_OtherErrorsAreNotRetried(t *testing.T) {
	var calls int
	boom := errors.New("db down")
	err := OnConflict(context.Background(), fastConflict(), failing(10, boom, &calls))

	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}
