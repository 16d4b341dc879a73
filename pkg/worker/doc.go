// Package worker runs deliveries from a queue through the lifecycle
// decorators of their registered job type.
//
// This package includes:
//   - Worker: polls a queue, runs deliveries concurrently, heartbeats their
//     claims and acknowledges or redelivers them
//   - Reaper: replaces lost deliveries, fails jobs abandoned by dead workers,
//     coordinates running pipelines and purges old deliveries
//   - WorkerOption: configuration options for workers
//
// Body failures are recorded on the job and retried through the queue by
// the lifecycle engine; the worker only redelivers invocations whose
// handler failed before the record could be updated.
package worker
