package engine

import (
	"encoding/json"

	"dopcast/internal/runs"
	"dopcast/internal/state"
)

// artifactRecord is the conventional shape stages use to surface artifact
// references inside their namespace record.
type artifactRecord struct {
	Artifacts []runs.ArtifactRef `json:"artifacts"`
}

// collectArtifacts gathers artifact references from every namespace that
// carries an "artifacts" array. Namespaces without one are skipped.
func collectArtifacts(st *state.State) []runs.ArtifactRef {
	var out []runs.ArtifactRef
	for _, ns := range st.Namespaces() {
		raw, ok := st.Get(ns)
		if !ok {
			continue
		}
		var record artifactRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		out = append(out, record.Artifacts...)
	}
	return out
}
