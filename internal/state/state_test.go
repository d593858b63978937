package state_test

import (
	"encoding/json"
	"errors"
	"testing"

	"dopcast/internal/state"
)

func TestMergeWriteOnce(t *testing.T) {
	s := state.New(state.Delta{
		state.NamespaceRequest: json.RawMessage(`{"event_id":"monaco-2026"}`),
	})

	if err := s.Merge(state.Delta{state.NamespaceResearch: json.RawMessage(`{"sources":3}`)}); err != nil {
		t.Fatalf("first write: %v", err)
	}

	err := s.Merge(state.Delta{state.NamespaceResearch: json.RawMessage(`{"sources":9}`)})
	if !errors.Is(err, state.ErrNamespaceConflict) {
		t.Fatalf("expected namespace conflict, got %v", err)
	}

	// Rejected merge must leave the original record intact.
	var record struct{ Sources int }
	if err := s.Decode(state.NamespaceResearch, &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.Sources != 3 {
		t.Fatalf("record mutated by rejected merge: %+v", record)
	}
}

func TestMergeIsAtomic(t *testing.T) {
	s := state.New(nil)
	if err := s.Merge(state.Delta{state.NamespaceScript: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := s.Merge(state.Delta{
		state.NamespaceAudio:  json.RawMessage(`{}`),
		state.NamespaceScript: json.RawMessage(`{"v":2}`),
	})
	if !errors.Is(err, state.ErrNamespaceConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if s.Has(state.NamespaceAudio) {
		t.Fatal("partial merge applied despite conflict")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := state.New(state.Delta{state.NamespaceRequest: json.RawMessage(`{"sport":"f1"}`)})
	if err := s.Merge(state.Delta{state.NamespaceResearch: json.RawMessage(`{"sources":5}`)}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	data, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored, err := state.FromSnapshot(data)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if !restored.Has(state.NamespaceRequest) || !restored.Has(state.NamespaceResearch) {
		t.Fatalf("restored namespaces = %v", restored.Namespaces())
	}
	// Restored state keeps enforcing write-once.
	if err := restored.Merge(state.Delta{state.NamespaceResearch: json.RawMessage(`{}`)}); !errors.Is(err, state.ErrNamespaceConflict) {
		t.Fatalf("restored state lost write-once invariant: %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := state.New(state.Delta{state.NamespaceRequest: json.RawMessage(`{}`)})
	clone := s.Clone()
	if err := clone.Merge(state.Delta{state.NamespaceScript: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("merge clone: %v", err)
	}
	if s.Has(state.NamespaceScript) {
		t.Fatal("clone write leaked into original")
	}
}
