package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers classify stage and collaborator failures. The engine keys
// retry and terminal-status decisions off these markers, so every error a
// stage returns should be wrapped with exactly one of them.
var (
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrTransient     = errors.New("transient failure")
	ErrTimeout       = errors.New("timeout")
	ErrStageLogic    = errors.New("stage logic error")
	ErrNotFound      = errors.New("not found")
)

// ErrorKind names a failure classification for logging and persistence.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindConfiguration ErrorKind = "configuration"
	KindTransient     ErrorKind = "transient"
	KindTimeout       ErrorKind = "timeout"
	KindStageLogic    ErrorKind = "stage_logic"
	KindNotFound      ErrorKind = "not_found"
	KindUnknown       ErrorKind = "unknown"
)

type serviceError struct {
	marker    error
	stage     string
	operation string
	message   string
	cause     error
}

func (e *serviceError) Error() string {
	detail := buildDetail(e.stage, e.operation, e.message)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.marker.Error(), detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.marker.Error(), detail)
}

func (e *serviceError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.marker, e.cause}
	}
	return []error{e.marker}
}

// Wrap builds an error that includes stage context while tagging it with the
// provided marker for later classification. The marker should be one of the
// exported sentinel errors above; a nil marker defaults to ErrTransient.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &serviceError{
		marker:    marker,
		stage:     strings.TrimSpace(stage),
		operation: strings.TrimSpace(operation),
		message:   strings.TrimSpace(message),
		cause:     err,
	}
}

// ErrorDetails carries the structured fields of a wrapped failure.
type ErrorDetails struct {
	Kind      ErrorKind
	Stage     string
	Operation string
	Message   string
	Cause     error
}

// Details extracts structured failure information from an error chain.
func Details(err error) ErrorDetails {
	var svcErr *serviceError
	if errors.As(err, &svcErr) {
		return ErrorDetails{
			Kind:      Classify(err),
			Stage:     svcErr.stage,
			Operation: svcErr.operation,
			Message:   buildDetail(svcErr.stage, svcErr.operation, svcErr.message),
			Cause:     svcErr.cause,
		}
	}
	details := ErrorDetails{Kind: Classify(err)}
	if err != nil {
		details.Message = err.Error()
	}
	return details
}

// Classify maps an error chain onto its taxonomy kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrStageLogic):
		return KindStageLogic
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether a failure may be retried under a stage's
// RetryPolicy. Validation, configuration, and contract violations are always
// fatal; only failures attributable to an external collaborator qualify.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage != "" {
		parts = append(parts, stage)
	}
	if operation != "" {
		parts = append(parts, operation)
	}
	if message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
