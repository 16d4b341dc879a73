// Package core provides the fundamental types and interfaces for the pipelines package.
//
// This package contains:
//   - JobRecord and PipelineRecord data models with GORM annotations
//   - The job and pipeline state machines
//   - Store and WorkQueue interfaces defining the collaborator contracts
//   - The error taxonomy used to classify job failures
//   - Event types for lifecycle monitoring
//
// Most users should import the root package github.com/jdziat/simple-durable-pipelines
// instead of this package directly.
package core
