// Package queue delivers invocations to workers.
//
// GormQueue keeps deliveries in a database table and can enqueue inside a
// storage unit of work, so a retry or release commits together with the
// record transition that caused it. RedisQueue keeps them in sorted sets
// and enqueues after commit. Both implement core.WorkQueue for the engine
// and Source for workers, and dedupe cron ticks across workers through
// unique keys.
package queue
