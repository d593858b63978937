// Package elevenlabs wraps the ElevenLabs text-to-speech API the voice stage
// synthesizes host audio with.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dopcast/internal/config"
	"dopcast/internal/services"
)

const defaultHTTPTimeout = 120 * time.Second

// Config captures the runtime settings for the synthesis API.
type Config struct {
	APIKey         string
	BaseURL        string
	ModelID        string
	TimeoutSeconds int
}

// FromConfig maps the daemon configuration section onto a client config.
func FromConfig(cfg config.ElevenLabs) Config {
	return Config{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		ModelID:        cfg.ModelID,
		TimeoutSeconds: cfg.Timeout,
	}
}

// Client wraps the ElevenLabs HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a synthesis client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			ModelID:        strings.TrimSpace(cfg.ModelID),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// SpeechRequest describes one utterance to synthesize.
type SpeechRequest struct {
	Text         string
	VoiceID      string
	ModelID      string
	SpeakingRate float64
	OutputFormat string
}

type speechPayload struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Speed float64 `json:"speed"`
}

// Synthesize renders the utterance to audio bytes.
func (c *Client) Synthesize(ctx context.Context, stage string, req SpeechRequest) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, stage, "elevenlabs", "api key not configured", nil)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, services.Wrap(services.ErrValidation, stage, "elevenlabs", "text required", nil)
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		return nil, services.Wrap(services.ErrValidation, stage, "elevenlabs", "voice id required", nil)
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = c.cfg.ModelID
	}

	payload := speechPayload{Text: req.Text, ModelID: modelID}
	if req.SpeakingRate > 0 {
		payload.VoiceSettings = &voiceSettings{Speed: req.SpeakingRate}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, services.Wrap(services.ErrStageLogic, stage, "elevenlabs", "encode request", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s", c.cfg.BaseURL, req.VoiceID)
	if req.OutputFormat != "" {
		endpoint += "?output_format=" + req.OutputFormat
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, services.Wrap(services.ErrStageLogic, stage, "elevenlabs", "build request", err)
	}
	httpReq.Header.Set("xi-api-key", c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, stage, "elevenlabs", "synthesis deadline exceeded", err)
		}
		return nil, services.Wrap(services.ErrTransient, stage, "elevenlabs", "http error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(stage, resp.StatusCode, string(body))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stage, "elevenlabs", "read audio", err)
	}
	if len(audio) == 0 {
		return nil, services.Wrap(services.ErrTransient, stage, "elevenlabs", "empty audio response", nil)
	}
	return audio, nil
}

// HealthCheck verifies the API key against the user endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return services.Wrap(services.ErrConfiguration, "", "elevenlabs", "api key not configured", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/user", nil)
	if err != nil {
		return services.Wrap(services.ErrStageLogic, "", "elevenlabs", "build request", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "", "elevenlabs", "http error", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus("", resp.StatusCode, string(body))
	}
	return nil
}

func classifyStatus(stage string, status int, body string) error {
	detail := fmt.Sprintf("http %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return services.Wrap(services.ErrConfiguration, stage, "elevenlabs", detail, nil)
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return services.Wrap(services.ErrValidation, stage, "elevenlabs", detail, nil)
	default:
		return services.Wrap(services.ErrTransient, stage, "elevenlabs", detail, nil)
	}
}
