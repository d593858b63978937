// Command dopcast is the CLI for the dopcast daemon: it submits and inspects
// runs, manages schedules, and controls the daemon process over its Unix
// socket.
package main
