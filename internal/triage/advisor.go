package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

var triageTracer = otel.Tracer("telemed.internal.triage")

const defaultTimeout = 3 * time.Second

const systemPrompt = `You are a medical triage assistant. Given a patient's free-text
symptom description, suggest the single most appropriate specialty from this exact list:

%s

Respond with ONLY a JSON object, no prose, in this shape:
{"specialty": "<one of the list above>", "confidence": <0.0-1.0>, "rationale": "<one sentence>"}

Never diagnose. Never suggest a specialty outside the list.`

// Result is the ephemeral outcome of one triage call. It is never persisted.
type Result struct {
	Specialty  Specialty `json:"specialty"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
}

// Advisor maps free-text symptoms to a specialty via a single bounded LLM call.
// It is advisory only: callers must treat ErrAdvisorUnavailable as non-fatal.
type Advisor struct {
	client  LLMClient
	model   string
	timeout time.Duration
	logger  *logging.Logger
}

// NewAdvisor creates a triage advisor. A nil client is allowed; calls then fail
// with ErrMisconfigured instead of crashing at startup.
func NewAdvisor(client LLMClient, model string, timeout time.Duration, logger *logging.Logger) *Advisor {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Advisor{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger,
	}
}

// SuggestSpecialty performs a single bounded-timeout LLM call and validates the
// suggestion against the closed specialty set. Out-of-set or unparsable
// suggestions degrade to General Physician with confidence 0 rather than
// failing the caller.
func (a *Advisor) SuggestSpecialty(ctx context.Context, symptomText string) (*Result, error) {
	ctx, span := triageTracer.Start(ctx, "triage.suggest_specialty")
	defer span.End()

	symptomText = strings.TrimSpace(symptomText)
	if symptomText == "" {
		return nil, ErrInvalidInput
	}
	if a.client == nil {
		return nil, ErrMisconfigured
	}

	names := make([]string, 0, len(Specialties()))
	for _, sp := range Specialties() {
		names = append(names, "- "+string(sp))
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Complete(ctx, LLMRequest{
		Model:       a.model,
		System:      []string{fmt.Sprintf(systemPrompt, strings.Join(names, "\n"))},
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: symptomText}},
		MaxTokens:   256,
		Temperature: 0,
	})
	if err != nil {
		if errors.Is(err, ErrMisconfigured) {
			return nil, err
		}
		span.RecordError(err)
		a.logger.Warn("triage llm call failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAdvisorUnavailable, err)
	}

	result := parseResult(resp.Text)
	span.SetAttributes(
		attribute.String("triage.specialty", string(result.Specialty)),
		attribute.Float64("triage.confidence", result.Confidence),
	)
	return result, nil
}

// parseResult extracts the JSON suggestion from the raw completion and
// validates the specialty against the closed set.
func parseResult(text string) *Result {
	fallback := &Result{Specialty: SpecialtyGeneralPhysician, Confidence: 0}

	raw := extractJSON(text)
	if raw == "" {
		return fallback
	}

	var parsed struct {
		Specialty  string  `json:"specialty"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fallback
	}

	specialty, ok := ParseSpecialty(parsed.Specialty)
	if !ok {
		return fallback
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return &Result{
		Specialty:  specialty,
		Confidence: confidence,
		Rationale:  strings.TrimSpace(parsed.Rationale),
	}
}

// extractJSON pulls the first {...} block out of a completion that may wrap the
// JSON in prose or code fences.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
