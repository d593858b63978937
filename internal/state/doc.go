// Package state implements the append-only, namespace-partitioned shared
// state threaded through the stages of a run. A namespace is written exactly
// once by its owning stage; later stages may read it or add new namespaces
// but never overwrite it, which keeps checkpoints safely replayable.
package state
