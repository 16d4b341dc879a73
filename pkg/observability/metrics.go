package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/lifecycle"
)

// Metrics returns middleware that records delivery metrics with the global
// MeterProvider.
//
// Instruments:
//   - pipelines.delivery.duration (Float64Histogram, seconds)
//   - pipelines.delivery.executions (Int64Counter)
//
// Both carry job_type and status ("ok" or "error").
func Metrics() lifecycle.Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter returns metrics middleware using meter.
func MetricsWithMeter(meter metric.Meter) lifecycle.Middleware {
	// Instrument errors still return usable noop instruments.
	duration, _ := meter.Float64Histogram(
		"pipelines.delivery.duration",
		metric.WithDescription("Duration of delivery processing in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"pipelines.delivery.executions",
		metric.WithDescription("Total number of processed deliveries"),
		metric.WithUnit("{delivery}"),
	)

	return func(ctx context.Context, inv core.Invocation, next lifecycle.Handler) error {
		start := time.Now()
		err := next(ctx, inv)

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("job_type", inv.JobType),
			attribute.String("status", status),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}

// JobOutcomes counts job outcomes from lifecycle events. Middleware only sees
// delivery errors; the outcome of the job body travels as an event.
type JobOutcomes struct {
	outcomes  metric.Int64Counter
	duration  metric.Float64Histogram
	pipelines metric.Int64Counter
}

// NewJobOutcomes creates the outcome instruments on meter. A nil meter uses
// the global MeterProvider.
//
// Instruments:
//   - pipelines.job.outcomes (Int64Counter, job_type and outcome)
//   - pipelines.job.duration (Float64Histogram, seconds, succeeded jobs)
//   - pipelines.pipeline.transitions (Int64Counter, name and status)
func NewJobOutcomes(meter metric.Meter) *JobOutcomes {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	outcomes, _ := meter.Int64Counter(
		"pipelines.job.outcomes",
		metric.WithDescription("Job lifecycle outcomes"),
		metric.WithUnit("{job}"),
	)
	duration, _ := meter.Float64Histogram(
		"pipelines.job.duration",
		metric.WithDescription("Run time of succeeded jobs in seconds"),
		metric.WithUnit("s"),
	)
	pipelines, _ := meter.Int64Counter(
		"pipelines.pipeline.transitions",
		metric.WithDescription("Pipeline status transitions"),
		metric.WithUnit("{transition}"),
	)
	return &JobOutcomes{outcomes: outcomes, duration: duration, pipelines: pipelines}
}

// Attach registers o as a synchronous hook on b.
func (o *JobOutcomes) Attach(b *lifecycle.Broadcaster) {
	b.OnEvent(o.Record)
}

// Record counts one lifecycle event.
func (o *JobOutcomes) Record(e core.Event) {
	ctx := context.Background()
	switch ev := e.(type) {
	case *core.JobStarted:
		o.count(ctx, ev.Job, "started")
	case *core.JobSucceeded:
		o.count(ctx, ev.Job, "succeeded")
		o.duration.Record(ctx, ev.Duration.Seconds(),
			metric.WithAttributes(attribute.String("job_type", ev.Job.JobType)))
	case *core.JobRetrying:
		o.count(ctx, ev.Job, "retrying")
	case *core.JobDead:
		o.count(ctx, ev.Job, "dead")
	case *core.JobCancelled:
		o.count(ctx, ev.Job, "cancelled")
	case *core.JobReleased:
		o.count(ctx, ev.Job, "released")
	case *core.PipelineStatusChanged:
		o.pipelines.Add(ctx, 1, metric.WithAttributes(
			attribute.String("name", ev.Pipeline.Name),
			attribute.String("status", string(ev.To)),
		))
	}
}

func (o *JobOutcomes) count(ctx context.Context, job *core.JobRecord, outcome string) {
	o.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", job.JobType),
		attribute.String("outcome", outcome),
	))
}
