package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"dopcast/internal/services"
	"dopcast/internal/state"
)

// RetryPolicy governs how the engine retries a stage's transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retryable classifies an error as retryable. Nil defaults to
	// services.Retryable.
	Retryable func(error) bool
}

// ShouldRetry reports whether err qualifies for another attempt.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return services.Retryable(err)
}

// Delay returns the backoff before the given retry. attempt is the 1-based
// attempt that just failed, so delays double per failure and never decrease.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Descriptor declares a stage's identity and contract.
type Descriptor struct {
	Name     string
	Requires []state.Namespace
	Produces []state.Namespace
	Retry    RetryPolicy
	Timeout  time.Duration
}

// Handler is the contract the execution engine needs from each stage.
type Handler interface {
	Descriptor() Descriptor
	// ValidateOptions checks the stage's per-run configuration record before
	// any stage executes. Unknown options are rejected, not ignored.
	ValidateOptions(raw json.RawMessage) error
	Execute(context.Context, *state.State) (state.Delta, error)
	HealthCheck(context.Context) Health
}

// DecodeOptions unmarshals a per-run options record into v, rejecting
// unknown fields. A nil or empty record leaves v at its defaults.
func DecodeOptions(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}
