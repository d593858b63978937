package research_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"dopcast/internal/services"
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

func requestState(t *testing.T, params map[string]any) *state.State {
	t.Helper()
	delta, err := state.Record(state.NamespaceRequest, params)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return state.New(delta)
}

const digestJSON = `{
	"summary": "Verstappen won from pole after a late safety car.",
	"key_points": ["pole to flag", "safety car on lap 58", "midfield scrap for P6"],
	"sources": [
		{"title": "Official report", "url": "https://example.com/report"},
		{"title": "Team radio roundup", "url": "https://example.com/radio"},
		{"title": "Stats sheet", "url": "https://example.com/stats"}
	]
}`

func TestExecuteProducesResearchData(t *testing.T) {
	llm := &fakeCompleter{content: digestJSON}
	handler := research.New(llm)

	st := requestState(t, map[string]any{
		"sport":    "f1",
		"event_id": "monaco-2026",
	})
	delta, err := handler.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	raw, ok := delta[state.NamespaceResearch]
	if !ok {
		t.Fatalf("delta missing research namespace: %v", delta)
	}
	var data research.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("decode digest: %v", err)
	}
	if data.Sport != "f1" || data.EventID != "monaco-2026" {
		t.Fatalf("data = %+v", data)
	}
	if data.Summary == "" || len(data.KeyPoints) != 3 {
		t.Fatalf("digest incomplete: %+v", data)
	}
	if data.GeneratedAt.IsZero() {
		t.Fatal("generated_at not set")
	}
}

func TestExecuteTruncatesSourcesToMax(t *testing.T) {
	llm := &fakeCompleter{content: digestJSON}
	handler := research.New(llm)

	st := requestState(t, map[string]any{
		"sport": "f1",
		"stages": map[string]any{
			"research": map[string]any{"max_sources": 2},
		},
	})
	delta, err := handler.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var data research.Data
	if err := json.Unmarshal(delta[state.NamespaceResearch], &data); err != nil {
		t.Fatalf("decode digest: %v", err)
	}
	if len(data.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(data.Sources))
	}
}

func TestExecuteRequiresSport(t *testing.T) {
	handler := research.New(&fakeCompleter{content: digestJSON})
	st := requestState(t, map[string]any{"event_id": "monaco-2026"})

	_, err := handler.Execute(context.Background(), st)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestExecuteEmptySummaryIsTransient(t *testing.T) {
	handler := research.New(&fakeCompleter{content: `{"summary": "", "key_points": []}`})
	st := requestState(t, map[string]any{"sport": "f1"})

	_, err := handler.Execute(context.Background(), st)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestValidateOptions(t *testing.T) {
	handler := research.New(&fakeCompleter{})

	if err := handler.ValidateOptions(nil); err != nil {
		t.Fatalf("empty options: %v", err)
	}
	if err := handler.ValidateOptions(json.RawMessage(`{"max_sources": 10}`)); err != nil {
		t.Fatalf("valid options: %v", err)
	}
	if err := handler.ValidateOptions(json.RawMessage(`{"max_sources": 99}`)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("out of range: %v", err)
	}
	if err := handler.ValidateOptions(json.RawMessage(`{"sources_max": 3}`)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("unknown key: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := research.New(&fakeCompleter{}).HealthCheck(context.Background())
	if !healthy.Ready {
		t.Fatalf("expected ready, got %+v", healthy)
	}
	down := research.New(&fakeCompleter{err: errors.New("connection refused")}).HealthCheck(context.Background())
	if down.Ready || down.Detail == "" {
		t.Fatalf("expected unready with detail, got %+v", down)
	}
}
