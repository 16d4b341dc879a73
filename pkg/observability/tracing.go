package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/lifecycle"
)

// instrumentationName is the tracer and meter scope name.
const instrumentationName = "github.com/jdziat/simple-durable-pipelines"

// Tracing returns middleware that wraps every delivery in a span from the
// global TracerProvider.
func Tracing() lifecycle.Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer returns tracing middleware using tracer.
//
// The span is named "pipelines.job.execute". A job body failure is recorded
// on the job record, not returned, so the span only carries an error status
// when the delivery itself failed.
func TracingWithTracer(tracer trace.Tracer) lifecycle.Middleware {
	return func(ctx context.Context, inv core.Invocation, next lifecycle.Handler) error {
		ctx, span := tracer.Start(ctx, "pipelines.job.execute",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(invocationAttributes(inv)...),
		)
		defer span.End()

		err := next(ctx, inv)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("error.kind", string(core.Classify(err))))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}

func invocationAttributes(inv core.Invocation) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("job.type", inv.JobType),
		attribute.String("delivery.id", inv.DeliveryID),
	}
	if inv.JobID != "" {
		attrs = append(attrs, attribute.String("job.id", inv.JobID))
	}
	if inv.PipelineID != "" {
		attrs = append(attrs, attribute.String("pipeline.id", inv.PipelineID))
	}
	if inv.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation.id", inv.CorrelationID))
	}
	return attrs
}
