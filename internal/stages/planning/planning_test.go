package planning_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"dopcast/internal/services"
	"dopcast/internal/stages/planning"
	"dopcast/internal/stages/research"
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

const outlineJSON = `{
	"title": "Monaco 2026: Streets of Redemption",
	"description": "A full review of the Monaco Grand Prix.",
	"sections": [
		{"name": "Cold open", "talking_points": ["race result"], "duration_seconds": 120},
		{"name": "Strategy breakdown", "talking_points": ["undercut window", "safety car"], "duration_seconds": 600}
	]
}`

func planningState(t *testing.T, request map[string]any) *state.State {
	t.Helper()
	delta, err := state.Record(state.NamespaceRequest, request)
	if err != nil {
		t.Fatalf("Record request: %v", err)
	}
	st := state.New(delta)
	digest, err := state.Record(state.NamespaceResearch, research.Data{
		Sport:     "f1",
		EventID:   "monaco-2026",
		Summary:   "A chaotic street race decided by strategy.",
		KeyPoints: []string{"late safety car", "two-stop gamble"},
	})
	if err != nil {
		t.Fatalf("Record research: %v", err)
	}
	if err := st.Merge(digest); err != nil {
		t.Fatalf("Merge research: %v", err)
	}
	return st
}

func TestExecuteProducesOutline(t *testing.T) {
	llm := &fakeCompleter{content: outlineJSON}
	handler := planning.New(llm)

	st := planningState(t, map[string]any{
		"sport": "f1",
		"stages": map[string]any{
			"planning": map[string]any{
				"episode_type":            "technical_deep_dive",
				"target_duration_seconds": 1200,
			},
		},
	})
	delta, err := handler.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var outline planning.Outline
	if err := json.Unmarshal(delta[state.NamespaceOutline], &outline); err != nil {
		t.Fatalf("decode outline: %v", err)
	}
	if outline.EpisodeType != "technical_deep_dive" {
		t.Fatalf("episode_type = %q", outline.EpisodeType)
	}
	if outline.TargetDurationSeconds != 1200 {
		t.Fatalf("target_duration_seconds = %d", outline.TargetDurationSeconds)
	}
	if outline.Title == "" || len(outline.Sections) != 2 {
		t.Fatalf("outline incomplete: %+v", outline)
	}
	if len(llm.prompts) != 1 || !strings.Contains(llm.prompts[0], "1200-second") {
		t.Fatalf("prompts = %v", llm.prompts)
	}
}

func TestRequestEpisodeTypeUsedWhenOptionAbsent(t *testing.T) {
	handler := planning.New(&fakeCompleter{content: outlineJSON})

	st := planningState(t, map[string]any{
		"sport":        "f1",
		"episode_type": "race_preview",
	})
	delta, err := handler.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var outline planning.Outline
	if err := json.Unmarshal(delta[state.NamespaceOutline], &outline); err != nil {
		t.Fatalf("decode outline: %v", err)
	}
	if outline.EpisodeType != "race_preview" {
		t.Fatalf("episode_type = %q, want request-level value", outline.EpisodeType)
	}
}

func TestExecuteIncompleteOutlineIsTransient(t *testing.T) {
	handler := planning.New(&fakeCompleter{content: `{"title": "", "sections": []}`})
	st := planningState(t, map[string]any{"sport": "f1"})

	_, err := handler.Execute(context.Background(), st)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestValidateOptions(t *testing.T) {
	handler := planning.New(&fakeCompleter{})

	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"empty", "", true},
		{"valid", `{"episode_type": "news_roundup", "technical_level": "basic"}`, true},
		{"bad_type", `{"episode_type": "gossip_hour"}`, false},
		{"bad_level", `{"technical_level": "phd"}`, false},
		{"too_short", `{"target_duration_seconds": 10}`, false},
		{"too_long", `{"target_duration_seconds": 999999}`, false},
		{"unknown_key", `{"duration": 600}`, false},
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
