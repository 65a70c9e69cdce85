package ai

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies provider failures so the run executor can decide
// whether an attempt is worth retrying.
type FailureKind string

const (
	// FailureTimeout covers request timeouts and cancelled contexts.
	FailureTimeout FailureKind = "timeout"
	// FailureRateLimited covers 429 responses.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureProvider covers 5xx responses and transport errors.
	FailureProvider FailureKind = "provider_error"
	// FailureInvalidRequest covers 4xx responses other than 429.
	FailureInvalidRequest FailureKind = "invalid_request"
	// FailureContentPolicy covers moderation rejections.
	FailureContentPolicy FailureKind = "content_policy"
	// FailureMalformedResponse covers unparseable or schema-invalid output.
	FailureMalformedResponse FailureKind = "malformed_response"
)

// ProviderError is the typed failure returned by every provider call.
type ProviderError struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ai: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("ai: %s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt against the provider could
// plausibly succeed.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case FailureTimeout, FailureRateLimited, FailureProvider:
		return true
	default:
		return false
	}
}

// ClassifyError extracts the ProviderError from err, or wraps err as a
// generic provider failure.
func ClassifyError(err error) *ProviderError {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr
	}
	return &ProviderError{Kind: FailureProvider, Message: "unclassified provider failure", Err: err}
}

// GradeInput carries the essay context for one grading run.
type GradeInput struct {
	EssayTitle      string
	EssayContent    string
	AssignmentBrief string
	Rubric          string
	Model           string
	ReasoningEffort string
	Temperature     float32
	MaxTokens       int
}

// GradeOutput is the structured result of one grading run.
type GradeOutput struct {
	Percentage       float64
	Feedback         string
	CategoryScores   map[string]float64
	PromptTokens     int64
	CompletionTokens int64
	Cost             string
}

// GraderFeedback is one included run's feedback handed to synthesis.
type GraderFeedback struct {
	Model      string
	Percentage float64
	Feedback   string
}

// SynthesisInput carries all included runs' feedback for the merge call.
type SynthesisInput struct {
	EssayTitle  string
	Rubric      string
	Feedback    []GraderFeedback
	Model       string
	Temperature float32
	MaxTokens   int
}

// SynthesisOutput is the merged feedback narrative.
type SynthesisOutput struct {
	Feedback         string
	PromptTokens     int64
	CompletionTokens int64
}

// Grader is the provider contract used by the grading pipeline: independent
// per-run grading plus the optional secondary synthesis call.
type Grader interface {
	Grade(ctx context.Context, input GradeInput) (GradeOutput, error)
	Synthesize(ctx context.Context, input SynthesisInput) (SynthesisOutput, error)
}
