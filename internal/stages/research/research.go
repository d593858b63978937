// Package research implements the retrieval/summarization stage. It asks the
// model for a structured research digest of the requested event and records
// it under the research_data namespace.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dopcast/internal/services"
	"dopcast/internal/services/llm"
	"dopcast/internal/stage"
	"dopcast/internal/state"
)

const (
	stageName         = "research"
	defaultMaxSources = 5
	maxSourcesLimit   = 20

	systemPrompt = `You are a motorsport research assistant. Respond with JSON only:
{"summary": string, "key_points": [string], "sources": [{"title": string, "url": string}]}`
)

// Completer is the slice of the LLM client this stage uses.
type Completer interface {
	CompleteJSON(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error)
	HealthCheck(ctx context.Context) error
}

// Options tunes one run's research stage.
type Options struct {
	EventID      string `json:"event_id,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
	MaxSources   int    `json:"max_sources,omitempty"`
}

// Data is the record written under the research_data namespace.
type Data struct {
	Sport       string    `json:"sport"`
	EventID     string    `json:"event_id,omitempty"`
	Summary     string    `json:"summary"`
	KeyPoints   []string  `json:"key_points"`
	Sources     []Source  `json:"sources,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Source is one reference the digest drew on.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Handler executes the research stage. It is shared across workers and
// holds no per-run state; options arrive through the request namespace.
type Handler struct {
	llm Completer
}

// New constructs the research handler.
func New(llm Completer) *Handler {
	return &Handler{llm: llm}
}

// Descriptor declares the stage contract.
func (h *Handler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stageName,
		Requires: []state.Namespace{state.NamespaceRequest},
		Produces: []state.Namespace{state.NamespaceResearch},
		Retry:    stage.RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second},
		Timeout:  3 * time.Minute,
	}
}

// ValidateOptions parses and bounds-checks the stage's options record.
func (h *Handler) ValidateOptions(raw json.RawMessage) error {
	_, err := parseOptions(raw)
	return err
}

func parseOptions(raw json.RawMessage) (Options, error) {
	var opts Options
	if err := stage.DecodeOptions(raw, &opts); err != nil {
		return opts, services.Wrap(services.ErrValidation, stageName, "options", "malformed options record", err)
	}
	if opts.MaxSources < 0 || opts.MaxSources > maxSourcesLimit {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("max_sources must be between 0 and %d", maxSourcesLimit), nil)
	}
	if opts.MaxSources == 0 {
		opts.MaxSources = defaultMaxSources
	}
	return opts, nil
}

// Execute produces the research digest for the requested event.
func (h *Handler) Execute(ctx context.Context, st *state.State) (state.Delta, error) {
	var req struct {
		Sport   string                     `json:"sport"`
		EventID string                     `json:"event_id"`
		Stages  map[string]json.RawMessage `json:"stages"`
	}
	if err := st.Decode(state.NamespaceRequest, &req); err != nil {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "read request", err)
	}
	opts, err := parseOptions(req.Stages[stageName])
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Sport) == "" {
		return nil, services.Wrap(services.ErrValidation, stageName, "execute", "request sport required", nil)
	}
	eventID := opts.EventID
	if eventID == "" {
		eventID = req.EventID
	}

	prompt := fmt.Sprintf(
		"Research the %s event %q. Provide a summary, the most newsworthy key points, and up to %d sources.",
		req.Sport, eventID, opts.MaxSources)
	content, err := h.llm.CompleteJSON(ctx, stageName, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var digest struct {
		Summary   string   `json:"summary"`
		KeyPoints []string `json:"key_points"`
		Sources   []Source `json:"sources"`
	}
	if err := llm.DecodeJSON(content, &digest); err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "execute", "model returned unparseable digest", err)
	}
	if strings.TrimSpace(digest.Summary) == "" {
		return nil, services.Wrap(services.ErrTransient, stageName, "execute", "model returned empty summary", nil)
	}
	if len(digest.Sources) > opts.MaxSources {
		digest.Sources = digest.Sources[:opts.MaxSources]
	}

	return state.Record(state.NamespaceResearch, Data{
		Sport:       req.Sport,
		EventID:     eventID,
		Summary:     digest.Summary,
		KeyPoints:   digest.KeyPoints,
		Sources:     digest.Sources,
		GeneratedAt: time.Now().UTC(),
	})
}

// HealthCheck pings the model endpoint.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	if err := h.llm.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(stageName, err.Error())
	}
	return stage.Healthy(stageName)
}
