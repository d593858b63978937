package script_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"dopcast/internal/services"
	"dopcast/internal/stages/planning"
	"dopcast/internal/stages/script"
	"dopcast/internal/state"
)

type fakeCompleter struct {
	content string
	err     error
	prompts []string
}

func (f *fakeCompleter) CompleteJSON(_ context.Context, _, _, userPrompt string) (string, error) {
	f.prompts = append(f.prompts, userPrompt)
	return f.content, f.err
}

func (f *fakeCompleter) HealthCheck(context.Context) error { return f.err }

const scriptJSON = `{
	"segments": [
		{"section": "Cold open", "lines": [
			{"host": "Host 1", "text": "Welcome back to the show."},
			{"host": "Host 2", "text": "What a race that was."}
		]},
		{"section": "Strategy breakdown", "lines": [
			{"host": "Host 1", "text": "Let us talk about the two stop gamble."}
		]}
	]
}`

func scriptState(t *testing.T, request map[string]any) *state.State {
	t.Helper()
	delta, err := state.Record(state.NamespaceRequest, request)
	if err != nil {
		t.Fatalf("Record request: %v", err)
	}
	st := state.New(delta)
	outline, err := state.Record(state.NamespaceOutline, planning.Outline{
		EpisodeType:           "race_review",
		Title:                 "Monaco 2026: Streets of Redemption",
		TargetDurationSeconds: 1200,
		TechnicalLevel:        "mixed",
		Sections: []planning.Section{
			{Name: "Cold open", TalkingPoints: []string{"race result"}, DurationSeconds: 120},
			{Name: "Strategy breakdown", TalkingPoints: []string{"undercut window"}, DurationSeconds: 600},
		},
	})
	if err != nil {
		t.Fatalf("Record outline: %v", err)
	}
	if err := st.Merge(outline); err != nil {
		t.Fatalf("Merge outline: %v", err)
	}
	return st
}

func TestExecuteProducesScript(t *testing.T) {
	llm := &fakeCompleter{content: scriptJSON}
	handler := script.New(llm)

	st := scriptState(t, map[string]any{"sport": "f1"})
	delta, err := handler.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var drafted script.Script
	if err := json.Unmarshal(delta[state.NamespaceScript], &drafted); err != nil {
		t.Fatalf("decode script: %v", err)
	}
	if drafted.Title != "Monaco 2026: Streets of Redemption" {
		t.Fatalf("title = %q", drafted.Title)
	}
	if len(drafted.Hosts) != 2 {
		t.Fatalf("hosts = %v", drafted.Hosts)
	}
	if len(drafted.Segments) != 2 || drafted.WordCount == 0 {
		t.Fatalf("script incomplete: %+v", drafted)
	}
}

func TestWordTargetDerivedFromOutlineDuration(t *testing.T) {
	llm := &fakeCompleter{content: scriptJSON}
	handler := script.New(llm)

	st := scriptState(t, map[string]any{"sport": "f1"})
	if _, err := handler.Execute(context.Background(), st); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// 1200 seconds at 150 wpm.
	if len(llm.prompts) != 1 || !strings.Contains(llm.prompts[0], "3000 words") {
		t.Fatalf("prompts = %v", llm.prompts)
	}
}

func TestHostCountOptionControlsHosts(t *testing.T) {
	handler := script.New(&fakeCompleter{content: scriptJSON})

	st := scriptState(t, map[string]any{
		"sport": "f1",
		"stages": map[string]any{
			"script": map[string]any{"host_count": 3, "style": "energetic"},
		},
	})
	delta, err := handler.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var drafted script.Script
	if err := json.Unmarshal(delta[state.NamespaceScript], &drafted); err != nil {
		t.Fatalf("decode script: %v", err)
	}
	if len(drafted.Hosts) != 3 || drafted.Style != "energetic" {
		t.Fatalf("hosts = %v style = %q", drafted.Hosts, drafted.Style)
	}
}

func TestExecuteEmptyScriptIsTransient(t *testing.T) {
	handler := script.New(&fakeCompleter{content: `{"segments": []}`})
	st := scriptState(t, map[string]any{"sport": "f1"})

	_, err := handler.Execute(context.Background(), st)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestValidateOptions(t *testing.T) {
	handler := script.New(&fakeCompleter{})

	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"empty", "", true},
		{"valid", `{"host_count": 2, "style": "formal", "include_catchphrases": true}`, true},
		{"too_many_hosts", `{"host_count": 9}`, false},
		{"bad_style", `{"style": "shouty"}`, false},
		{"word_target_too_low", `{"word_count_target": 10}`, false},
		{"unknown_key", `{"hosts": 2}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var raw json.RawMessage
			if tc.raw != "" {
				raw = json.RawMessage(tc.raw)
			}
			err := handler.ValidateOptions(raw)
			if tc.ok && err != nil {
				t.Fatalf("ValidateOptions: %v", err)
			}
			if !tc.ok && !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}
