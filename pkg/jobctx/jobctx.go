// Package jobctx carries the current invocation through a job body's context.
package jobctx

import (
	"context"
	"log/slog"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

type invocationKey struct{}

type loggerKey struct{}

// With returns a context carrying inv. The job id must already be resolved.
func With(ctx context.Context, inv core.Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// Invocation returns the invocation being executed, if any.
func Invocation(ctx context.Context) (core.Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(core.Invocation)
	return inv, ok
}

// JobID returns the current job id, or "" outside a job body.
func JobID(ctx context.Context) string {
	inv, _ := Invocation(ctx)
	return inv.JobID
}

// PipelineID returns the owning pipeline id, or "" for standalone jobs.
func PipelineID(ctx context.Context) string {
	inv, _ := Invocation(ctx)
	return inv.PipelineID
}

// CorrelationID returns the correlation id propagated from the trigger.
func CorrelationID(ctx context.Context) string {
	inv, _ := Invocation(ctx)
	return inv.CorrelationID
}

// WithLogger attaches a base logger used by Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns a logger annotated with the current job's identifiers.
func Logger(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerKey{}).(*slog.Logger)
	if !ok || logger == nil {
		logger = slog.Default()
	}
	inv, ok := Invocation(ctx)
	if !ok {
		return logger
	}
	attrs := []any{"job_id", inv.JobID, "job_type", inv.JobType}
	if inv.PipelineID != "" {
		attrs = append(attrs, "pipeline_id", inv.PipelineID)
	}
	if inv.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", inv.CorrelationID)
	}
	return logger.With(attrs...)
}
