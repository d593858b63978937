// Package stage defines the contract between the execution engine and the
// pipeline stages: a descriptor declaring the stage's namespace dataflow and
// retry policy, and a handler that turns the current shared state into a
// state delta.
package stage
