// Package registry maps job types to bodies and holds the pipeline
// definitions and cron table a worker process runs with.
//
// A Registry is built once with New and passed to the worker; there is no
// package-level registration.
package registry
