// Package storage provides the GORM-backed record store for jobs and pipelines.
//
// GormStore implements core.Store on SQLite, PostgreSQL, and MySQL. Every
// mutation after creation is a compare-and-swap on the record version, and
// Atomic wraps a database transaction whose AfterCommit hooks run only once
// the transaction commits.
//
// Open selects a dialect by name; ConfigurePool and PoolPreset size the
// connection pool.
package storage
