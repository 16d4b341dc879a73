// Package security holds the input limits shared by the record store, the
// queues, and the registry: name and key validation, payload size checks,
// text sanitizing before persistence, and clamps for attempts, concurrency,
// and progress.
package security
