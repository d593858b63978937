// Package planning implements the outline stage. It turns the research
// digest into a sectioned episode outline under the content_outline
// namespace.
package planning

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
	"dopcast/internal/stages/research"
)

const (
	stageName = "planning"

	defaultEpisodeType    = "race_review"
	defaultDurationSecs   = 1800
	minDurationSecs       = 60
	maxDurationSecs       = 7200
	defaultTechnicalLevel = "mixed"

	systemPrompt = `You are a podcast producer. Respond with JSON only:
{"title": string, "description": string, "sections": [{"name": string, "talking_points": [string], "duration_seconds": number}]}`
)

var episodeTypes = map[string]struct{}{
	"race_review":         {},
	"race_preview":        {},
	"news_roundup":        {},
	"technical_deep_dive": {},
}

var technicalLevels = map[string]struct{}{
	"basic":    {},
	"mixed":    {},
	"advanced": {},
}

// Completer is the slice of the LLM client this stage uses.
type Completer interface {
	CompleteJSON(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error)
	HealthCheck(ctx context.Context) error
}

// Options tunes one run's planning stage.
type Options struct {
	EpisodeType           string `json:"episode_type,omitempty"`
	TargetDurationSeconds int    `json:"target_duration_seconds,omitempty"`
	TechnicalLevel        string `json:"technical_level,omitempty"`
}

// Outline is the record written under the content_outline namespace.
type Outline struct {
	EpisodeType           string    `json:"episode_type"`
	Title                 string    `json:"title"`
	Description           string    `json:"description,omitempty"`
	TargetDurationSeconds int       `json:"target_duration_seconds"`
	TechnicalLevel        string    `json:"technical_level"`
	Sections              []Section `json:"sections"`
}

// Section is one outlined segment of the episode.
type Section struct {
	Name            string   `json:"name"`
	TalkingPoints   []string `json:"talking_points"`
	DurationSeconds int      `json:"duration_seconds"`
}

// Handler executes the planning stage.
type Handler struct {
	llm Completer
}

// New constructs the planning handler.
func New(llm Completer) *Handler {
	return &Handler{llm: llm}
}

// Descriptor declares the stage contract.
func (h *Handler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stageName,
		Requires: []state.Namespace{state.NamespaceResearch},
		Produces: []state.Namespace{state.NamespaceOutline},
		Retry:    stage.RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second},
		Timeout:  2 * time.Minute,
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
	if opts.EpisodeType == "" {
		opts.EpisodeType = defaultEpisodeType
	}
	if _, ok := episodeTypes[opts.EpisodeType]; !ok {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("unknown episode_type %q", opts.EpisodeType), nil)
	}
	if opts.TargetDurationSeconds == 0 {
		opts.TargetDurationSeconds = defaultDurationSecs
	}
	if opts.TargetDurationSeconds < minDurationSecs || opts.TargetDurationSeconds > maxDurationSecs {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("target_duration_seconds must be between %d and %d", minDurationSecs, maxDurationSecs), nil)
	}
	if opts.TechnicalLevel == "" {
		opts.TechnicalLevel = defaultTechnicalLevel
	}
	if _, ok := technicalLevels[opts.TechnicalLevel]; !ok {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("unknown technical_level %q", opts.TechnicalLevel), nil)
	}
	return opts, nil
}

// Execute produces the episode outline from the research digest.
func (h *Handler) Execute(ctx context.Context, st *state.State) (state.Delta, error) {
	var req struct {
		EpisodeType string                     `json:"episode_type"`
		Stages      map[string]json.RawMessage `json:"stages"`
	}
	if err := st.Decode(state.NamespaceRequest, &req); err != nil {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "read request", err)
	}
	opts, err := parseOptions(req.Stages[stageName])
	if err != nil {
		return nil, err
	}
	// The request-level episode type wins over the stage default but loses
	// to an explicit stage option.
	if req.EpisodeType != "" && optionAbsent(req.Stages[stageName], "episode_type") {
		if _, ok := episodeTypes[req.EpisodeType]; !ok {
			return nil, services.Wrap(services.ErrValidation, stageName, "execute",
				fmt.Sprintf("unknown episode_type %q", req.EpisodeType), nil)
		}
		opts.EpisodeType = req.EpisodeType
	}

	var digest research.Data
	if err := st.Decode(state.NamespaceResearch, &digest); err != nil {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "read research digest", err)
	}

	prompt := fmt.Sprintf(
		"Outline a %d-second %s episode at %s technical level about: %s\nKey points: %s",
		opts.TargetDurationSeconds, opts.EpisodeType, opts.TechnicalLevel,
		digest.Summary, strings.Join(digest.KeyPoints, "; "))
	content, err := h.llm.CompleteJSON(ctx, stageName, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var planned struct {
		Title       string    `json:"title"`
		Description string    `json:"description"`
		Sections    []Section `json:"sections"`
	}
	if err := llm.DecodeJSON(content, &planned); err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "execute", "model returned unparseable outline", err)
	}
	if strings.TrimSpace(planned.Title) == "" || len(planned.Sections) == 0 {
		return nil, services.Wrap(services.ErrTransient, stageName, "execute", "model returned incomplete outline", nil)
	}

	return state.Record(state.NamespaceOutline, Outline{
		EpisodeType:           opts.EpisodeType,
		Title:                 planned.Title,
		Description:           planned.Description,
		TargetDurationSeconds: opts.TargetDurationSeconds,
		TechnicalLevel:        opts.TechnicalLevel,
		Sections:              planned.Sections,
	})
}

// HealthCheck pings the model endpoint.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	if err := h.llm.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(stageName, err.Error())
	}
	return stage.Healthy(stageName)
}

// optionAbsent reports whether the options record omits a key.
func optionAbsent(raw json.RawMessage, key string) bool {
	if len(raw) == 0 {
		return true
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return true
	}
	_, present := doc[key]
	return !present
}
