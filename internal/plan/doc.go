// Package plan compiles an ordered stage specification against a stage
// registry into a validated, executable pipeline plan. Compilation verifies
// the namespace dataflow (every required input produced earlier or present
// in the initial request), rejects duplicate producers, prunes conditional
// stages per run, and confirms the plan's terminal outputs remain reachable.
// All of this happens before any stage executes.
package plan
