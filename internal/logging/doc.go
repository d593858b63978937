// Package logging constructs the slog loggers used across the daemon and
// CLI, with a compact console handler for interactive use and a JSON handler
// for machine consumption. Context helpers thread run and stage identifiers
// into every record emitted while a stage is executing.
package logging
