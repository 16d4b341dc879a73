// Package notify delivers alerts when a job fails permanently.
//
// A Notifier is invoked once per job that reaches the dead status, after the
// transition commits. Delivery is fire-and-forget: errors are logged by the
// caller and never affect the job record.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// DeadJob is the payload handed to every notifier.
type DeadJob struct {
	JobID         string           `json:"job_id"`
	JobType       string           `json:"job_type"`
	PipelineID    string           `json:"pipeline_id,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Attempt       int              `json:"attempt"`
	MaxAttempts   int              `json:"max_attempts"`
	Error         core.ErrorDetail `json:"error"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// DeadJobFor builds the notification payload for a dead record.
func DeadJobFor(job *core.JobRecord) DeadJob {
	occurred := time.Now()
	if job.CompletedAt != nil {
		occurred = *job.CompletedAt
	}
	return DeadJob{
		JobID:         job.ID,
		JobType:       job.JobType,
		PipelineID:    job.PipelineRef(),
		CorrelationID: job.CorrelationID,
		Attempt:       job.Attempt,
		MaxAttempts:   job.MaxAttempts,
		Error:         job.Error,
		OccurredAt:    occurred,
	}
}

// Notifier is an alerting destination for dead jobs.
type Notifier interface {
	NotifyDead(ctx context.Context, job DeadJob) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, job DeadJob) error

// NotifyDead implements Notifier.
func (f NotifierFunc) NotifyDead(ctx context.Context, job DeadJob) error {
	if f == nil {
		return nil
	}
	return f(ctx, job)
}

// Nop drops every notification.
var Nop Notifier = NotifierFunc(nil)

// Log writes dead jobs to a structured logger at error level.
type Log struct {
	Logger *slog.Logger
}

// NotifyDead implements Notifier.
func (l Log) NotifyDead(ctx context.Context, job DeadJob) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "job dead",
		"job_id", job.JobID,
		"job_type", job.JobType,
		"pipeline_id", job.PipelineID,
		"correlation_id", job.CorrelationID,
		"attempt", job.Attempt,
		"error_kind", job.Error.Kind,
		"error", job.Error.Message,
	)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// NotifyDead implements Notifier.
func (m Multi) NotifyDead(ctx context.Context, job DeadJob) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyDead(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async runs n on its own goroutine with a bounded timeout, so callers are
// never blocked behind a slow destination. Failures go to logger.
func Async(ctx context.Context, n Notifier, job DeadJob, timeout time.Duration, logger *slog.Logger) {
	if n == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := n.NotifyDead(ctx, job); err != nil {
			logger.Warn("dead job notification failed", "job_id", job.JobID, "error", err)
		}
	}()
}
