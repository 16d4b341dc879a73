package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrInvalidJobTypeName = errors.New("jobs: invalid job type name (must be alphanumeric, start with letter)")
	ErrJobTypeNameTooLong = errors.New("jobs: job type name too long")
	ErrPayloadTooLarge    = errors.New("jobs: job payload exceeds size limit")
	ErrDuplicateJobType   = errors.New("jobs: job type registered twice")
	ErrUnknownJobType     = errors.New("jobs: no body registered for job type")
	ErrUnknownPipeline    = errors.New("jobs: no pipeline definition registered with that name")
	ErrDependencyCycle    = errors.New("jobs: pipeline dependency graph contains a cycle")
	ErrUnknownDependency  = errors.New("jobs: pipeline job depends on an unknown key")
	ErrMissingParam       = errors.New("jobs: required pipeline parameter missing")
)

// Lookup and lifecycle errors
var (
	ErrJobNotFound      = errors.New("jobs: job record not found")
	ErrPipelineNotFound = errors.New("jobs: pipeline record not found")
	ErrPipelineMember   = errors.New("jobs: pipeline member records are created by the pipeline factory")
	ErrNotInPipeline    = errors.New("jobs: job does not belong to a pipeline")
	// ErrPersistentConflict is returned when optimistic-concurrency conflicts
	// keep recurring past the retry bound.
	ErrPersistentConflict = errors.New("jobs: concurrent modification persisted past retry bound")
)

// ErrorKind classifies a failure for the retry decision.
type ErrorKind string

const (
	KindValidation             ErrorKind = "validation"
	KindTransient              ErrorKind = "transient"
	KindTimeout                ErrorKind = "timeout"
	KindInvalidState           ErrorKind = "invalid_state"
	KindConcurrentModification ErrorKind = "concurrent_modification"
	KindDependencyFailed       ErrorKind = "dependency_failed"
	KindCancelled              ErrorKind = "cancelled"
	KindPanic                  ErrorKind = "panic"
	KindUnknown                ErrorKind = "unknown"
)

// Retryable reports whether failures of this kind are retried with backoff.
// Unclassified errors and panics are retried until attempts run out.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindUnknown, KindPanic:
		return true
	}
	return false
}

// ValidationError indicates invalid body input. It is never retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validation wraps an error to mark the job input as invalid.
func Validation(err error) error {
	return &ValidationError{Err: err}
}

// Failure reasons carried by TransientError.
const (
	ReasonNetwork            = "network_error"
	ReasonServiceUnavailable = "service_unavailable"
)

// TransientError indicates an external dependency was unavailable.
type TransientError struct {
	Err        error
	Reason     string
	RetryAfter time.Duration // Overrides the backoff delay when positive
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient (retry after %v): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error to indicate it should be retried with backoff.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Unavailable marks err as a transient service_unavailable failure.
func Unavailable(err error) error {
	return &TransientError{Err: err, Reason: ReasonServiceUnavailable}
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &TransientError{Err: err, RetryAfter: d}
}

// TimeoutError indicates the job exceeded its execution budget.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job exceeded execution timeout of %v", e.After)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// InvalidStateError indicates an illegal lifecycle transition.
type InvalidStateError struct {
	Entity string // "job" or "pipeline"
	ID     string
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from status %q", e.Entity, e.ID, e.Op, e.Status)
}

// ConcurrentModificationError indicates the record changed since it was read.
// The caller must reload and retry the decision.
type ConcurrentModificationError struct {
	Entity  string
	ID      string
	Version int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("%s %s: modified concurrently (expected version %d)", e.Entity, e.ID, e.Version)
}

// IsConcurrentModification reports whether err carries a version conflict.
func IsConcurrentModification(err error) bool {
	var cm *ConcurrentModificationError
	return errors.As(err, &cm)
}

// DependencyFailedError indicates a pipeline dependency can no longer succeed.
type DependencyFailedError struct {
	JobID            string
	DependencyID     string
	DependencyStatus JobStatus
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("dependency %s of job %s is %s", e.DependencyID, e.JobID, e.DependencyStatus)
}

// PanicError carries a value recovered from a panicking job body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Classify maps err onto the error taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		validation *ValidationError
		dependency *DependencyFailedError
		invalid    *InvalidStateError
		conflict   *ConcurrentModificationError
		timeout    *TimeoutError
		transient  *TransientError
		panicked   *PanicError
	)
	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &dependency):
		return KindDependencyFailed
	case errors.As(err, &invalid):
		return KindInvalidState
	case errors.As(err, &conflict):
		return KindConcurrentModification
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &transient):
		return KindTransient
	case errors.As(err, &panicked):
		return KindPanic
	}
	return KindUnknown
}

// RetryDelayHint returns the delay requested by a TransientError, if any.
func RetryDelayHint(err error) (time.Duration, bool) {
	var transient *TransientError
	if errors.As(err, &transient) && transient.RetryAfter > 0 {
		return transient.RetryAfter, true
	}
	return 0, false
}

// NewErrorDetail builds the stored failure detail for err.
func NewErrorDetail(err error) ErrorDetail {
	detail := ErrorDetail{Kind: Classify(err), Message: err.Error()}
	var (
		panicked   *PanicError
		dependency *DependencyFailedError
	)
	if errors.As(err, &panicked) {
		detail.Stack = string(panicked.Stack)
	}
	if errors.As(err, &dependency) {
		detail.Reference = dependency.DependencyID
	}
	return detail
}
