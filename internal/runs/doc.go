// Package runs persists pipeline runs, their checkpoints, the per-attempt
// stage log, and scheduled jobs in SQLite. Run rows are owned and mutated by
// the execution engine; scheduled job rows are owned by the scheduler.
package runs
