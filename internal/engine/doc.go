// Package engine executes pipeline runs. A pool of workers claims pending
// runs from the store, compiles the stage plan against each run's request,
// and drives stages in order with retry, checkpointing, and cooperative
// cancellation at stage boundaries.
package engine
