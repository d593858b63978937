package voice_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"dopcast/internal/services"
	"dopcast/internal/services/elevenlabs"
	"dopcast/internal/stages/script"
	"dopcast/internal/stages/voice"
	"dopcast/internal/state"
	"dopcast/internal/storage"
)

type fakeSynthesizer struct {
	err      error
	requests []elevenlabs.SpeechRequest
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, _ string, req elevenlabs.SpeechRequest) ([]byte, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("audio-" + req.VoiceID), nil
}

func (f *fakeSynthesizer) HealthCheck(context.Context) error { return f.err }

func voiceState(t *testing.T, request map[string]any) *state.State {
	t.Helper()
	delta, err := state.Record(state.NamespaceRequest, request)
	if err != nil {
		t.Fatalf("Record request: %v", err)
	}
	st := state.New(delta)
	drafted, err := state.Record(state.NamespaceScript, script.Script{
		Title: "Monaco 2026",
		Hosts: []string{"Host 1", "Host 2"},
		Segments: []script.Segment{
			{Section: "Cold open", Lines: []script.Line{
				{Host: "Host 1", Text: "Welcome back."},
				{Host: "Host 2", Text: "What a race."},
			}},
			{Section: "Strategy", Lines: []script.Line{
				{Host: "Host 2", Text: "The two stop paid off."},
			}},
		},
		WordCount: 12,
	})
	if err != nil {
		t.Fatalf("Record script: %v", err)
	}
	if err := st.Merge(drafted); err != nil {
		t.Fatalf("Merge script: %v", err)
	}
	return st
}

func newHandler(t *testing.T, tts voice.Synthesizer) *voice.Handler {
	t.Helper()
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return voice.New(tts, local)
}

func TestExecuteSynthesizesSegments(t *testing.T) {
	tts := &fakeSynthesizer{}
	handler := newHandler(t, tts)

	ctx := services.WithRunID(context.Background(), "run-123")
	st := voiceState(t, map[string]any{"sport": "f1"})
	delta, err := handler.Execute(ctx, st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var meta voice.Metadata
	if err := json.Unmarshal(delta[state.NamespaceAudio], &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if len(meta.Segments) != 2 || len(meta.Artifacts) != 2 {
		t.Fatalf("metadata = %+v", meta)
	}
	if meta.Segments[0].Key != "audio/run-123/segment-000.mp3" {
		t.Fatalf("key = %q", meta.Segments[0].Key)
	}
	if meta.TotalBytes == 0 {
		t.Fatal("total bytes not recorded")
	}
	if len(tts.requests) != 2 {
		t.Fatalf("synthesize calls = %d", len(tts.requests))
	}
	// Second segment opens with Host 2, so it gets the second profile voice.
	if tts.requests[1].VoiceID != "voice-blake" {
		t.Fatalf("segment voice = %q", tts.requests[1].VoiceID)
	}
}

func TestExecutePassesOptionsThrough(t *testing.T) {
	tts := &fakeSynthesizer{}
	handler := newHandler(t, tts)

	ctx := services.WithRunID(context.Background(), "run-456")
	st := voiceState(t, map[string]any{
		"sport": "f1",
		"stages": map[string]any{
			"voice": map[string]any{
				"voice_profile": "narrator",
				"speaking_rate": 1.2,
				"audio_format":  "mp3_44100_192",
			},
		},
	})
	if _, err := handler.Execute(ctx, st); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tts.requests) == 0 {
		t.Fatal("no synthesize calls")
	}
	req := tts.requests[0]
	if req.VoiceID != "voice-frankie" || req.SpeakingRate != 1.2 || req.OutputFormat != "mp3_44100_192" {
		t.Fatalf("request = %+v", req)
	}
}

func TestExecuteKeyExtensionFollowsAudioFormat(t *testing.T) {
	tts := &fakeSynthesizer{}
	handler := newHandler(t, tts)

	ctx := services.WithRunID(context.Background(), "run-pcm")
	st := voiceState(t, map[string]any{
		"sport": "f1",
		"stages": map[string]any{
			"voice": map[string]any{"audio_format": "pcm_44100"},
		},
	})
	delta, err := handler.Execute(ctx, st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var meta voice.Metadata
	if err := json.Unmarshal(delta[state.NamespaceAudio], &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	for _, seg := range meta.Segments {
		if !strings.HasSuffix(seg.Key, ".wav") {
			t.Fatalf("pcm segment key = %q", seg.Key)
		}
	}
}

func TestExecuteRequiresRunID(t *testing.T) {
	handler := newHandler(t, &fakeSynthesizer{})
	st := voiceState(t, map[string]any{"sport": "f1"})

	_, err := handler.Execute(context.Background(), st)
	if !errors.Is(err, services.ErrStageLogic) {
		t.Fatalf("expected ErrStageLogic, got %v", err)
	}
}

func TestExecutePropagatesSynthesisError(t *testing.T) {
	wrapped := services.Wrap(services.ErrTransient, "voice", "elevenlabs", "http 503", nil)
	handler := newHandler(t, &fakeSynthesizer{err: wrapped})

	ctx := services.WithRunID(context.Background(), "run-789")
	_, err := handler.Execute(ctx, voiceState(t, map[string]any{"sport": "f1"}))
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestValidateOptions(t *testing.T) {
	handler := newHandler(t, &fakeSynthesizer{})

	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"empty", "", true},
		{"valid", `{"voice_profile": "commentary", "speaking_rate": 1.5}`, true},
		{"bad_profile", `{"voice_profile": "whisper"}`, false},
		{"rate_too_high", `{"speaking_rate": 3.0}`, false},
		{"bad_format", `{"audio_format": "ogg"}`, false},
		{"unknown_key", `{"voice": "alex"}`, false},
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
