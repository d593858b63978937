// Package daemon coordinates the long-running services: the execution
// engine, the scheduler, the status tracker, and the IPC/HTTP surfaces. It
// enforces single-instance execution through a lock file.
package daemon
