// Package pipeline coordinates sets of dependent jobs.
//
// A pipeline owns member job records through their pipeline id and a
// dependency graph between them. Coordination is a pass over the members
// that cancels jobs whose dependencies can no longer be met, derives the
// pipeline status with TransitionStatus, and releases pending members whose
// dependencies are satisfied onto the work queue. Every pass is idempotent:
// a released member carries a release timestamp and is never released twice.
//
// Pipelines are created from a named Definition by a Factory, which also
// creates and enqueues the member that starts the pipeline.
package pipeline
