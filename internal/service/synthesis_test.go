package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/markm8/grading-api/internal/config"
	"github.com/markm8/grading-api/internal/models"
	"github.com/markm8/grading-api/pkg/ai"
)

// stubSynthesizer records the synthesis input and returns a fixed result.
type stubSynthesizer struct {
	output ai.SynthesisOutput
	err    error
	input  ai.SynthesisInput
	calls  int
}

func (s *stubSynthesizer) Grade(ctx context.Context, input ai.GradeInput) (ai.GradeOutput, error) {
	return ai.GradeOutput{}, nil
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, input ai.SynthesisInput) (ai.SynthesisOutput, error) {
	s.calls++
	s.input = input
	return s.output, s.err
}

func enabledSynthesisConfig() config.SynthesisConfig {
	return config.SynthesisConfig{
		Enabled:     true,
		Model:       "merge-model",
		Temperature: 0.3,
		MaxTokens:   1024,
	}
}

func includedRuns() []RunOutcome {
	return []RunOutcome{
		{RunIndex: 0, Model: "model-a", Success: true, Percentage: 78, Feedback: "strong structure"},
		{RunIndex: 1, Model: "model-b", Success: true, Percentage: 64, Feedback: "weak evidence"},
		{RunIndex: 2, Model: "model-c", Success: true, Percentage: 71, Feedback: "decent flow"},
	}
}

func TestResolveMergesFeedback(t *testing.T) {
	grader := &stubSynthesizer{output: ai.SynthesisOutput{
		Feedback:         "merged narrative",
		PromptTokens:     120,
		CompletionTokens: 80,
	}}
	stage := NewSynthesisStage(grader, zerolog.Nop())

	result, err := stage.Resolve(context.Background(), enabledSynthesisConfig(), models.Essay{Title: "Essay"}, includedRuns())
	require.NoError(t, err)

	require.True(t, result.Synthesized)
	require.Equal(t, models.SynthesisStatusComplete, result.Status)
	require.Equal(t, "merged narrative", result.Feedback)
	require.Equal(t, int64(120), result.PromptTokens)
	require.Equal(t, 1, grader.calls)
	require.Len(t, grader.input.Feedback, 3)
	require.Equal(t, "merge-model", grader.input.Model)
}

func TestResolveFallsBackOnSynthesisFailure(t *testing.T) {
	grader := &stubSynthesizer{err: &ai.ProviderError{Kind: ai.FailureProvider, Message: "503"}}
	stage := NewSynthesisStage(grader, zerolog.Nop())

	result, err := stage.Resolve(context.Background(), enabledSynthesisConfig(), models.Essay{}, includedRuns())
	require.NoError(t, err)

	// The lowest-scoring run's feedback wins; the failure is not fatal.
	require.False(t, result.Synthesized)
	require.Equal(t, models.SynthesisStatusFailed, result.Status)
	require.Equal(t, "weak evidence", result.Feedback)
}

func TestResolveFallsBackOnEmptySynthesisOutput(t *testing.T) {
	grader := &stubSynthesizer{output: ai.SynthesisOutput{Feedback: "   "}}
	stage := NewSynthesisStage(grader, zerolog.Nop())

	result, err := stage.Resolve(context.Background(), enabledSynthesisConfig(), models.Essay{}, includedRuns())
	require.NoError(t, err)

	require.False(t, result.Synthesized)
	require.Equal(t, models.SynthesisStatusFailed, result.Status)
	require.Equal(t, "weak evidence", result.Feedback)
}

func TestResolveSkipsWhenDisabled(t *testing.T) {
	grader := &stubSynthesizer{output: ai.SynthesisOutput{Feedback: "merged"}}
	stage := NewSynthesisStage(grader, zerolog.Nop())

	result, err := stage.Resolve(context.Background(), config.SynthesisConfig{Enabled: false}, models.Essay{}, includedRuns())
	require.NoError(t, err)

	require.False(t, result.Synthesized)
	require.Equal(t, models.SynthesisStatusSkipped, result.Status)
	require.Equal(t, "weak evidence", result.Feedback)
	require.Zero(t, grader.calls)
}

func TestResolveFallbackIsOrderIndependent(t *testing.T) {
	stage := NewSynthesisStage(nil, zerolog.Nop())

	runs := includedRuns()
	reversed := []RunOutcome{runs[2], runs[0], runs[1]}

	first, err := stage.Resolve(context.Background(), config.SynthesisConfig{}, models.Essay{}, runs)
	require.NoError(t, err)
	second, err := stage.Resolve(context.Background(), config.SynthesisConfig{}, models.Essay{}, reversed)
	require.NoError(t, err)

	require.Equal(t, first.Feedback, second.Feedback)
	require.Equal(t, "weak evidence", first.Feedback)
}

func TestResolveFallbackTieBreaksOnRunIndex(t *testing.T) {
	stage := NewSynthesisStage(nil, zerolog.Nop())

	runs := []RunOutcome{
		{RunIndex: 2, Model: "model-c", Success: true, Percentage: 60, Feedback: "later run"},
		{RunIndex: 0, Model: "model-a", Success: true, Percentage: 60, Feedback: "earlier run"},
	}

	result, err := stage.Resolve(context.Background(), config.SynthesisConfig{}, models.Essay{}, runs)
	require.NoError(t, err)
	require.Equal(t, "earlier run", result.Feedback)
}

func TestResolveSanitizesFeedback(t *testing.T) {
	grader := &stubSynthesizer{output: ai.SynthesisOutput{
		Feedback: "<script>alert(1)</script>Good analysis overall.",
	}}
	stage := NewSynthesisStage(grader, zerolog.Nop())

	result, err := stage.Resolve(context.Background(), enabledSynthesisConfig(), models.Essay{}, includedRuns())
	require.NoError(t, err)
	require.Equal(t, "Good analysis overall.", result.Feedback)
}

func TestResolveRejectsEmptyRunSet(t *testing.T) {
	stage := NewSynthesisStage(nil, zerolog.Nop())

	_, err := stage.Resolve(context.Background(), config.SynthesisConfig{}, models.Essay{}, nil)
	require.ErrorIs(t, err, ErrNoIncludedRuns)
}
