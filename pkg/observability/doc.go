// Package observability exports traces and metrics for workers.
//
// Tracing and Metrics are lifecycle.Middleware for worker.WithMiddleware.
// JobOutcomes turns lifecycle events into OpenTelemetry counters, and
// StatusCollector exposes record counts and queue depth to Prometheus.
package observability
