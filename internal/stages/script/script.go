// Package script implements the dialogue stage. It turns the episode
// outline into a multi-host script under the script namespace.
package script

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
	"dopcast/internal/stages/planning"
)

const (
	stageName = "script"

	defaultHostCount = 2
	maxHostCount     = 4
	defaultStyle     = "conversational"
	minWordTarget    = 100
	maxWordTarget    = 20000

	systemPrompt = `You are a podcast script writer. Respond with JSON only:
{"segments": [{"section": string, "lines": [{"host": string, "text": string}]}]}`
)

var styles = map[string]struct{}{
	"conversational": {},
	"formal":         {},
	"energetic":      {},
}

// Completer is the slice of the LLM client this stage uses.
type Completer interface {
	CompleteJSON(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error)
	HealthCheck(ctx context.Context) error
}

// Options tunes one run's script stage.
type Options struct {
	HostCount           int    `json:"host_count,omitempty"`
	Style               string `json:"style,omitempty"`
	IncludeCatchphrases bool   `json:"include_catchphrases,omitempty"`
	WordCountTarget     int    `json:"word_count_target,omitempty"`
}

// Script is the record written under the script namespace.
type Script struct {
	Title     string    `json:"title"`
	Style     string    `json:"style"`
	Hosts     []string  `json:"hosts"`
	Segments  []Segment `json:"segments"`
	WordCount int       `json:"word_count"`
}

// Segment is the scripted dialogue for one outline section.
type Segment struct {
	Section string `json:"section"`
	Lines   []Line `json:"lines"`
}

// Line is one host utterance.
type Line struct {
	Host string `json:"host"`
	Text string `json:"text"`
}

// Handler executes the script stage. It is shared across workers and holds
// no per-run state.
type Handler struct {
	llm Completer
}

// New constructs the script handler.
func New(llm Completer) *Handler {
	return &Handler{llm: llm}
}

// Descriptor declares the stage contract.
func (h *Handler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stageName,
		Requires: []state.Namespace{state.NamespaceOutline},
		Produces: []state.Namespace{state.NamespaceScript},
		Retry:    stage.RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second},
		Timeout:  4 * time.Minute,
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
	if opts.HostCount == 0 {
		opts.HostCount = defaultHostCount
	}
	if opts.HostCount < 1 || opts.HostCount > maxHostCount {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("host_count must be between 1 and %d", maxHostCount), nil)
	}
	if opts.Style == "" {
		opts.Style = defaultStyle
	}
	if _, ok := styles[opts.Style]; !ok {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("unknown style %q", opts.Style), nil)
	}
	if opts.WordCountTarget != 0 && (opts.WordCountTarget < minWordTarget || opts.WordCountTarget > maxWordTarget) {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("word_count_target must be between %d and %d", minWordTarget, maxWordTarget), nil)
	}
	return opts, nil
}

// hostNames labels hosts Host 1..N so the model and the voice stage agree on
// speaker identities.
func hostNames(count int) []string {
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("Host %d", i+1)
	}
	return names
}

// Execute writes the dialogue script for the outlined episode.
func (h *Handler) Execute(ctx context.Context, st *state.State) (state.Delta, error) {
	var req struct {
		Stages map[string]json.RawMessage `json:"stages"`
	}
	if err := st.Decode(state.NamespaceRequest, &req); err != nil {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "read request", err)
	}
	opts, err := parseOptions(req.Stages[stageName])
	if err != nil {
		return nil, err
	}

	var outline planning.Outline
	if err := st.Decode(state.NamespaceOutline, &outline); err != nil {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "read outline", err)
	}

	hosts := hostNames(opts.HostCount)
	wordTarget := opts.WordCountTarget
	if wordTarget == 0 {
		// Roughly 150 spoken words per minute.
		wordTarget = outline.TargetDurationSeconds * 150 / 60
	}

	var sections []string
	for _, sec := range outline.Sections {
		sections = append(sections, fmt.Sprintf("%s (%ds): %s",
			sec.Name, sec.DurationSeconds, strings.Join(sec.TalkingPoints, "; ")))
	}
	prompt := fmt.Sprintf(
		"Write a %s podcast script for %q with hosts %s, about %d words total. Catchphrases: %t.\nSections:\n%s",
		opts.Style, outline.Title, strings.Join(hosts, ", "), wordTarget,
		opts.IncludeCatchphrases, strings.Join(sections, "\n"))
	content, err := h.llm.CompleteJSON(ctx, stageName, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var drafted struct {
		Segments []Segment `json:"segments"`
	}
	if err := llm.DecodeJSON(content, &drafted); err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "execute", "model returned unparseable script", err)
	}
	if len(drafted.Segments) == 0 {
		return nil, services.Wrap(services.ErrTransient, stageName, "execute", "model returned empty script", nil)
	}

	words := 0
	for _, seg := range drafted.Segments {
		for _, line := range seg.Lines {
			words += len(strings.Fields(line.Text))
		}
	}
	if words == 0 {
		return nil, services.Wrap(services.ErrTransient, stageName, "execute", "script has no dialogue", nil)
	}

	return state.Record(state.NamespaceScript, Script{
		Title:     outline.Title,
		Style:     opts.Style,
		Hosts:     hosts,
		Segments:  drafted.Segments,
		WordCount: words,
	})
}

// HealthCheck pings the model endpoint.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	if err := h.llm.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(stageName, err.Error())
	}
	return stage.Healthy(stageName)
}
