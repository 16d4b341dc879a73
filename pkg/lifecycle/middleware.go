package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// Handler processes one delivered invocation. A nil return acknowledges the
// delivery; job failures are recorded on the job, not returned.
type Handler func(ctx context.Context, inv core.Invocation) error

// Middleware wraps a Handler with cross-cutting logic. It must call next
// unless it short-circuits with an error.
type Middleware func(ctx context.Context, inv core.Invocation, next Handler) error

// Chain composes middleware. The first one is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv core.Invocation, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			inner := h
			h = func(ctx context.Context, inv core.Invocation) error {
				return mw(ctx, inv, inner)
			}
		}
		return h(ctx, inv)
	}
}

// Wrap applies mws around h.
func Wrap(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	chain := Chain(mws...)
	return func(ctx context.Context, inv core.Invocation) error {
		return chain(ctx, inv, h)
	}
}

// Logging logs every delivery and how long it took to process.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, inv core.Invocation, next Handler) error {
		start := time.Now()
		err := next(ctx, inv)
		attrs := []any{
			"job_type", inv.JobType,
			"job_id", inv.JobID,
			"delivery_id", inv.DeliveryID,
			"elapsed", time.Since(start),
		}
		if err != nil {
			logger.ErrorContext(ctx, "delivery failed", append(attrs, "error", err)...)
			return err
		}
		logger.DebugContext(ctx, "delivery processed", attrs...)
		return nil
	}
}
