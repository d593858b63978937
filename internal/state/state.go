package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Namespace identifies a stage-owned section of shared state.
type Namespace string

// Namespaces produced over the course of a full pipeline run.
const (
	NamespaceRequest    Namespace = "request"
	NamespaceResearch   Namespace = "research_data"
	NamespaceOutline    Namespace = "content_outline"
	NamespaceScript     Namespace = "script"
	NamespaceAudio      Namespace = "audio_metadata"
	NamespaceProduction Namespace = "production_metadata"
)

// ErrNamespaceConflict indicates a delta attempted to overwrite an existing
// namespace. The engine treats this as a stage contract violation.
var ErrNamespaceConflict = errors.New("namespace already written")

// Delta is the set of new namespaces one stage produced.
type Delta map[Namespace]json.RawMessage

// Record marshals v into a delta entry.
func Record(ns Namespace, v any) (Delta, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode namespace %s: %w", ns, err)
	}
	return Delta{ns: raw}, nil
}

// State is the accumulating record for one run. It is owned by exactly one
// run and is not safe for concurrent mutation.
type State struct {
	records map[Namespace]json.RawMessage
}

// New builds a state seeded with the initial request namespaces.
func New(initial Delta) *State {
	s := &State{records: make(map[Namespace]json.RawMessage, len(initial))}
	for ns, raw := range initial {
		s.records[ns] = append(json.RawMessage(nil), raw...)
	}
	return s
}

// Has reports whether a namespace has been written.
func (s *State) Has(ns Namespace) bool {
	_, ok := s.records[ns]
	return ok
}

// Get returns the raw record for a namespace.
func (s *State) Get(ns Namespace) (json.RawMessage, bool) {
	raw, ok := s.records[ns]
	return raw, ok
}

// Decode unmarshals the record for a namespace into v.
func (s *State) Decode(ns Namespace, v any) error {
	raw, ok := s.records[ns]
	if !ok {
		return fmt.Errorf("namespace %s not present", ns)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode namespace %s: %w", ns, err)
	}
	return nil
}

// Namespaces returns the written namespaces in stable order.
func (s *State) Namespaces() []Namespace {
	out := make([]Namespace, 0, len(s.records))
	for ns := range s.records {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Merge applies a stage delta, rejecting any overwrite of an existing
// namespace with ErrNamespaceConflict. On error the state is unchanged.
func (s *State) Merge(delta Delta) error {
	for ns := range delta {
		if _, exists := s.records[ns]; exists {
			return fmt.Errorf("%w: %s", ErrNamespaceConflict, ns)
		}
	}
	for ns, raw := range delta {
		s.records[ns] = append(json.RawMessage(nil), raw...)
	}
	return nil
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	clone := &State{records: make(map[Namespace]json.RawMessage, len(s.records))}
	for ns, raw := range s.records {
		clone.records[ns] = append(json.RawMessage(nil), raw...)
	}
	return clone
}

// Snapshot serializes the state for checkpointing.
func (s *State) Snapshot() ([]byte, error) {
	doc := make(map[Namespace]json.RawMessage, len(s.records))
	for ns, raw := range s.records {
		doc[ns] = raw
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode state snapshot: %w", err)
	}
	return data, nil
}

// FromSnapshot rebuilds a state from a checkpoint snapshot.
func FromSnapshot(data []byte) (*State, error) {
	doc := make(map[Namespace]json.RawMessage)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state snapshot: %w", err)
	}
	return New(Delta(doc)), nil
}
