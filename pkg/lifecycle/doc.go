// Package lifecycle wraps job bodies with record keeping.
//
// An Engine builds three decorators over a core.Store:
//
//   - GuaranteeRecord creates and commits a pending record for a fresh
//     standalone invocation before anything else runs.
//   - ManageJob starts the record, runs the body with a job.Manager, and
//     finalizes the record as succeeded, retrying, or dead. The body holds
//     no transaction, so progress and cancellation are visible while it runs.
//   - ManagePipeline does what ManageJob does for a pipeline member and then
//     coordinates the pipeline, releasing dependents or cascading failure.
//
// Standalone jobs compose as GuaranteeRecord(ManageJob(body)); the types
// only allow that order. Pipeline members use ManagePipeline alone.
// Middleware wraps any resulting Handler for logging and observability.
package lifecycle
