// Package production implements the final assembly stage. With synthesized
// audio present it stitches the segment files into one episode artifact;
// for text-only runs it renders the script to a transcript artifact instead.
package production

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"dopcast/internal/runs"
	"dopcast/internal/services"
	"dopcast/internal/stage"
	"dopcast/internal/stages/script"
	"dopcast/internal/stages/voice"
	"dopcast/internal/state"
	"dopcast/internal/storage"
)

const (
	stageName = "production"

	defaultOutputFormat = "mp3"
)

var outputFormats = map[string]string{
	"mp3": "audio/mpeg",
	"wav": "audio/wav",
}

// Options tunes one run's production stage.
type Options struct {
	EnableSoundEffects bool   `json:"enable_sound_effects,omitempty"`
	NormalizeVolume    bool   `json:"normalize_volume,omitempty"`
	OutputFormat       string `json:"output_format,omitempty"`
}

// Metadata is the record written under the production_metadata namespace.
type Metadata struct {
	Title           string             `json:"title"`
	EpisodeKey      string             `json:"episode_key"`
	OutputFormat    string             `json:"output_format"`
	TextOnly        bool               `json:"text_only"`
	SegmentCount    int                `json:"segment_count"`
	TotalBytes      int64              `json:"total_bytes"`
	NormalizeVolume bool               `json:"normalize_volume"`
	SoundEffects    bool               `json:"sound_effects"`
	Artifacts       []runs.ArtifactRef `json:"artifacts"`
	ProducedAt      time.Time          `json:"produced_at"`
}

// Handler executes the production stage. It is shared across workers and
// holds no per-run state.
type Handler struct {
	store storage.ArtifactStore
}

// New constructs the production handler.
func New(store storage.ArtifactStore) *Handler {
	return &Handler{store: store}
}

// Descriptor declares the stage contract. Production requires only the
// script; synthesized audio is consumed when the voice stage ran, so the
// stage stays valid for text-only runs where voice was pruned.
func (h *Handler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stageName,
		Requires: []state.Namespace{state.NamespaceScript},
		Produces: []state.Namespace{state.NamespaceProduction},
		Retry:    stage.RetryPolicy{MaxAttempts: 2, BaseDelay: 3 * time.Second},
		Timeout:  5 * time.Minute,
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
	if opts.OutputFormat == "" {
		opts.OutputFormat = defaultOutputFormat
	}
	if _, ok := outputFormats[opts.OutputFormat]; !ok {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("unknown output_format %q", opts.OutputFormat), nil)
	}
	return opts, nil
}

// Execute assembles the episode artifact and records production metadata.
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

	var drafted script.Script
	if err := st.Decode(state.NamespaceScript, &drafted); err != nil {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "read script", err)
	}

	runID, ok := services.RunIDFromContext(ctx)
	if !ok {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "run id missing from context", nil)
	}

	meta := Metadata{
		Title:           drafted.Title,
		OutputFormat:    opts.OutputFormat,
		NormalizeVolume: opts.NormalizeVolume,
		SoundEffects:    opts.EnableSoundEffects,
		ProducedAt:      time.Now().UTC(),
	}

	if st.Has(state.NamespaceAudio) {
		var audio voice.Metadata
		if err := st.Decode(state.NamespaceAudio, &audio); err != nil {
			return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "read audio metadata", err)
		}
		episode, err := h.assembleAudio(ctx, audio)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("episodes/%s/episode.%s", runID, opts.OutputFormat)
		obj, err := h.store.Put(ctx, key, bytes.NewReader(episode), int64(len(episode)), outputFormats[opts.OutputFormat])
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, stageName, "execute", "store episode", err)
		}
		meta.EpisodeKey = obj.Key
		meta.SegmentCount = len(audio.Segments)
		meta.TotalBytes = obj.Size
		meta.Artifacts = append(meta.Artifacts, runs.ArtifactRef{Stage: stageName, Key: obj.Key, Size: obj.Size})
	} else {
		transcript := renderTranscript(drafted)
		key := fmt.Sprintf("episodes/%s/transcript.md", runID)
		obj, err := h.store.Put(ctx, key, strings.NewReader(transcript), int64(len(transcript)), "text/markdown")
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, stageName, "execute", "store transcript", err)
		}
		meta.EpisodeKey = obj.Key
		meta.TextOnly = true
		meta.SegmentCount = len(drafted.Segments)
		meta.TotalBytes = obj.Size
		meta.Artifacts = append(meta.Artifacts, runs.ArtifactRef{Stage: stageName, Key: obj.Key, Size: obj.Size})
	}

	return state.Record(state.NamespaceProduction, meta)
}

// assembleAudio concatenates the synthesized segment files in order. Mixing
// and loudness normalization happen downstream of the store; this stage only
// binds the segments into a single deliverable.
func (h *Handler) assembleAudio(ctx context.Context, audio voice.Metadata) ([]byte, error) {
	if len(audio.Segments) == 0 {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "audio metadata has no segments", nil)
	}
	var buf bytes.Buffer
	for _, seg := range audio.Segments {
		body, err := h.store.Get(ctx, seg.Key)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, stageName, "execute",
				fmt.Sprintf("read segment %s", seg.Key), err)
		}
		_, copyErr := io.Copy(&buf, body)
		closeErr := body.Close()
		if copyErr != nil {
			return nil, services.Wrap(services.ErrTransient, stageName, "execute",
				fmt.Sprintf("read segment %s", seg.Key), copyErr)
		}
		if closeErr != nil {
			return nil, services.Wrap(services.ErrTransient, stageName, "execute",
				fmt.Sprintf("close segment %s", seg.Key), closeErr)
		}
	}
	return buf.Bytes(), nil
}

func renderTranscript(drafted script.Script) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", drafted.Title)
	for _, seg := range drafted.Segments {
		fmt.Fprintf(&b, "\n## %s\n\n", seg.Section)
		for _, line := range seg.Lines {
			fmt.Fprintf(&b, "**%s:** %s\n\n", line.Host, line.Text)
		}
	}
	return b.String()
}

// HealthCheck reports readiness. Assembly has no external collaborator; the
// artifact store binding is validated at daemon startup.
func (h *Handler) HealthCheck(context.Context) stage.Health {
	if h.store == nil {
		return stage.Unhealthy(stageName, "artifact store not configured")
	}
	return stage.Healthy(stageName)
}
