package triage

import "errors"

var (
	// ErrInvalidInput is returned when the symptom text is empty after trimming
	ErrInvalidInput = errors.New("triage: symptom text is required")

	// ErrAdvisorUnavailable is returned when the LLM service cannot be reached
	// in time. Callers treat this as non-fatal and fall back to manual selection.
	ErrAdvisorUnavailable = errors.New("triage: advisor unavailable")

	// ErrMisconfigured is returned when the advisor has no usable LLM credential
	ErrMisconfigured = errors.New("triage: llm credentials not configured")
)
