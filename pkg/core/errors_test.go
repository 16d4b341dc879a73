package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	originalErr := errors.New("score set has no variants")
	wrapped := Validation(originalErr)

	var validationErr *ValidationError
	require.True(t, errors.As(wrapped, &validationErr))
	assert.Equal(t, originalErr, validationErr.Unwrap())
	assert.Contains(t, wrapped.Error(), "validation")
	assert.Contains(t, wrapped.Error(), "no variants")
}

func TestRetryAfter(t *testing.T) {
	originalErr := errors.New("rate limited")
	wrapped := RetryAfter(5*time.Second, originalErr)

	d, ok := RetryDelayHint(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
	assert.Contains(t, wrapped.Error(), "5s")
	assert.ErrorIs(t, wrapped, originalErr)

	_, ok = RetryDelayHint(Transient(originalErr))
	assert.False(t, ok)
}

func TestTimeoutError_IsDeadlineExceeded(t *testing.T) {
	err := &TimeoutError{After: time.Minute}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "1m0s")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"validation", Validation(errors.New("bad")), KindValidation},
		{"wrapped validation", fmt.Errorf("body: %w", Validation(errors.New("bad"))), KindValidation},
		{"transient", Transient(errors.New("503")), KindTransient},
		{"unavailable", Unavailable(errors.New("503")), KindTransient},
		{"timeout", &TimeoutError{After: time.Second}, KindTimeout},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"invalid state", &InvalidStateError{Entity: "job", ID: "x", Op: "start", Status: "dead"}, KindInvalidState},
		{"conflict", &ConcurrentModificationError{Entity: "job", ID: "x", Version: 2}, KindConcurrentModification},
		{"dependency", &DependencyFailedError{JobID: "b", DependencyID: "a", DependencyStatus: StatusDead}, KindDependencyFailed},
		{"panic", &PanicError{Value: "boom"}, KindPanic},
		{"plain", errors.New("something"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindUnknown.Retryable())
	assert.True(t, KindPanic.Retryable())

	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindInvalidState.Retryable())
	assert.False(t, KindConcurrentModification.Retryable())
	assert.False(t, KindDependencyFailed.Retryable())
	assert.False(t, KindCancelled.Retryable())
}

func TestIsConcurrentModification(t *testing.T) {
	err := fmt.Errorf("succeed: %w", &ConcurrentModificationError{Entity: "job", ID: "x", Version: 3})
	assert.True(t, IsConcurrentModification(err))
	assert.False(t, IsConcurrentModification(errors.New("other")))
	assert.Contains(t, err.Error(), "expected version 3")
}

func TestNewErrorDetail(t *testing.T) {
	detail := NewErrorDetail(&PanicError{Value: "nil map", Stack: []byte("goroutine 1")})
	assert.Equal(t, KindPanic, detail.Kind)
	assert.Equal(t, "goroutine 1", detail.Stack)
	assert.Contains(t, detail.Message, "nil map")

	detail = NewErrorDetail(&DependencyFailedError{JobID: "b", DependencyID: "a", DependencyStatus: StatusDead})
	assert.Equal(t, KindDependencyFailed, detail.Kind)
	assert.Equal(t, "a", detail.Reference)
	assert.Contains(t, detail.Message, "dependency a of job b is dead")
	assert.False(t, detail.IsZero())
	assert.True(t, ErrorDetail{}.IsZero())
}

func TestErrorVariables(t *testing.T) {
	for _, err := range []error{
		ErrInvalidJobTypeName, ErrJobTypeNameTooLong, ErrPayloadTooLarge,
		ErrDuplicateJobType, ErrUnknownJobType, ErrUnknownPipeline,
		ErrDependencyCycle, ErrUnknownDependency, ErrMissingParam,
		ErrJobNotFound, ErrPipelineNotFound, ErrPipelineMember,
		ErrNotInPipeline, ErrPersistentConflict,
	} {
		assert.Contains(t, err.Error(), "jobs:")
	}
}
