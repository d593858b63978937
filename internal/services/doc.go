// Package services provides the shared error taxonomy and context
// annotations used by stage collaborators and the execution engine.
package services
