// Package voice implements the synthesis stage. It renders each script
// segment to audio through the ElevenLabs client, writes the files to the
// artifact store, and records segment metadata under audio_metadata.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dopcast/internal/runs"
	"dopcast/internal/services"
	"dopcast/internal/services/elevenlabs"
	"dopcast/internal/stage"
	"dopcast/internal/stages/script"
	"dopcast/internal/state"
	"dopcast/internal/storage"
)

const (
	stageName = "voice"

	defaultProfile = "standard"
	defaultFormat  = "mp3_44100_128"
	maxRate        = 2.0
	minRate        = 0.5
)

// voiceProfiles maps a profile name to the voice ids assigned round-robin to
// hosts. Real deployments override these ids through the profile option.
var voiceProfiles = map[string][]string{
	"standard":   {"voice-alex", "voice-blake"},
	"commentary": {"voice-casey", "voice-drew", "voice-emery"},
	"narrator":   {"voice-frankie"},
}

type audioFormat struct {
	contentType string
	extension   string
}

var audioFormats = map[string]audioFormat{
	"mp3_44100_128": {contentType: "audio/mpeg", extension: "mp3"},
	"mp3_44100_192": {contentType: "audio/mpeg", extension: "mp3"},
	"pcm_44100":     {contentType: "audio/wav", extension: "wav"},
}

// Synthesizer is the slice of the ElevenLabs client this stage uses.
type Synthesizer interface {
	Synthesize(ctx context.Context, stage string, req elevenlabs.SpeechRequest) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

// Options tunes one run's voice stage.
type Options struct {
	VoiceProfile string  `json:"voice_profile,omitempty"`
	SpeakingRate float64 `json:"speaking_rate,omitempty"`
	AudioFormat  string  `json:"audio_format,omitempty"`
}

// Metadata is the record written under the audio_metadata namespace.
type Metadata struct {
	VoiceProfile string             `json:"voice_profile"`
	AudioFormat  string             `json:"audio_format"`
	Segments     []SegmentAudio     `json:"segments"`
	TotalBytes   int64              `json:"total_bytes"`
	Artifacts    []runs.ArtifactRef `json:"artifacts"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// SegmentAudio describes one synthesized segment file.
type SegmentAudio struct {
	Section string `json:"section"`
	Key     string `json:"key"`
	VoiceID string `json:"voice_id"`
	Bytes   int64  `json:"bytes"`
}

// Handler executes the voice stage. It is shared across workers and holds no
// per-run state.
type Handler struct {
	tts   Synthesizer
	store storage.ArtifactStore
}

// New constructs the voice handler.
func New(tts Synthesizer, store storage.ArtifactStore) *Handler {
	return &Handler{tts: tts, store: store}
}

// Descriptor declares the stage contract.
func (h *Handler) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stageName,
		Requires: []state.Namespace{state.NamespaceScript},
		Produces: []state.Namespace{state.NamespaceAudio},
		Retry:    stage.RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Second},
		Timeout:  10 * time.Minute,
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
	if opts.VoiceProfile == "" {
		opts.VoiceProfile = defaultProfile
	}
	if _, ok := voiceProfiles[opts.VoiceProfile]; !ok {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("unknown voice_profile %q", opts.VoiceProfile), nil)
	}
	if opts.SpeakingRate != 0 && (opts.SpeakingRate < minRate || opts.SpeakingRate > maxRate) {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("speaking_rate must be between %.1f and %.1f", minRate, maxRate), nil)
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = defaultFormat
	}
	if _, ok := audioFormats[opts.AudioFormat]; !ok {
		return opts, services.Wrap(services.ErrValidation, stageName, "options",
			fmt.Sprintf("unknown audio_format %q", opts.AudioFormat), nil)
	}
	return opts, nil
}

// Execute synthesizes one audio file per script segment.
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
	if len(drafted.Segments) == 0 {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "script has no segments", nil)
	}

	runID, ok := services.RunIDFromContext(ctx)
	if !ok {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "run id missing from context", nil)
	}
	voices := voiceProfiles[opts.VoiceProfile]
	format := audioFormats[opts.AudioFormat]

	hostVoice := func(host string) string {
		for i, name := range drafted.Hosts {
			if name == host {
				return voices[i%len(voices)]
			}
		}
		return voices[0]
	}

	meta := Metadata{
		VoiceProfile: opts.VoiceProfile,
		AudioFormat:  opts.AudioFormat,
		GeneratedAt:  time.Now().UTC(),
	}
	for i, seg := range drafted.Segments {
		// One file per segment, first speaker's voice carries the segment.
		text := segmentText(seg)
		if text == "" {
			continue
		}
		voiceID := voices[0]
		if len(seg.Lines) > 0 {
			voiceID = hostVoice(seg.Lines[0].Host)
		}
		audio, err := h.tts.Synthesize(ctx, stageName, elevenlabs.SpeechRequest{
			Text:         text,
			VoiceID:      voiceID,
			SpeakingRate: opts.SpeakingRate,
			OutputFormat: opts.AudioFormat,
		})
		if err != nil {
			return nil, err
		}

		key := fmt.Sprintf("audio/%s/segment-%03d.%s", runID, i, format.extension)
		obj, err := h.store.Put(ctx, key, bytes.NewReader(audio), int64(len(audio)), format.contentType)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, stageName, "execute",
				fmt.Sprintf("store segment %d", i), err)
		}
		meta.Segments = append(meta.Segments, SegmentAudio{
			Section: seg.Section,
			Key:     obj.Key,
			VoiceID: voiceID,
			Bytes:   obj.Size,
		})
		meta.Artifacts = append(meta.Artifacts, runs.ArtifactRef{Stage: stageName, Key: obj.Key, Size: obj.Size})
		meta.TotalBytes += obj.Size
	}
	if len(meta.Segments) == 0 {
		return nil, services.Wrap(services.ErrStageLogic, stageName, "execute", "no segments synthesized", nil)
	}

	return state.Record(state.NamespaceAudio, meta)
}

func segmentText(seg script.Segment) string {
	var buf bytes.Buffer
	for _, line := range seg.Lines {
		if line.Text == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(line.Text)
	}
	return buf.String()
}

// HealthCheck pings the synthesis endpoint.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	if err := h.tts.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(stageName, err.Error())
	}
	return stage.Healthy(stageName)
}
