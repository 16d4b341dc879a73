// Package schedule computes run times for the cron table: fixed intervals,
// daily and weekly wall-clock times, and cron expressions parsed with
// robfig/cron. Every schedule renders itself as a cron expression through
// String, so the table can be listed and logged.
package schedule
