package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/markm8/grading-api/internal/config"
	"github.com/markm8/grading-api/pkg/ai"
)

// scriptedGrader returns the scripted errors in order, then succeeds.
type scriptedGrader struct {
	errs   []error
	calls  int
	output ai.GradeOutput
}

func (g *scriptedGrader) Grade(ctx context.Context, input ai.GradeInput) (ai.GradeOutput, error) {
	defer func() { g.calls++ }()
	if g.calls < len(g.errs) {
		return ai.GradeOutput{}, g.errs[g.calls]
	}
	return g.output, nil
}

func (g *scriptedGrader) Synthesize(ctx context.Context, input ai.SynthesisInput) (ai.SynthesisOutput, error) {
	return ai.SynthesisOutput{}, nil
}

func newTestExecutor(grader ai.Grader, delays *[]time.Duration) *RunExecutor {
	executor := NewRunExecutor(grader, zerolog.Nop())
	executor.sleep = func(ctx context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	}
	return executor
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	grader := &scriptedGrader{output: ai.GradeOutput{Percentage: 74.5, Feedback: "solid work"}}
	executor := newTestExecutor(grader, nil)

	outcome := executor.Execute(context.Background(), 0,
		config.RunSpec{Model: "model-a"}, ai.GradeInput{}, config.RetryPolicy{MaxRetries: 3})

	require.True(t, outcome.Success)
	require.Equal(t, 74.5, outcome.Percentage)
	require.Equal(t, "solid work", outcome.Feedback)
	require.Equal(t, 1, grader.calls)
}

func TestExecuteRetriesRetryableFailures(t *testing.T) {
	rateLimited := &ai.ProviderError{Kind: ai.FailureRateLimited, Message: "429"}
	grader := &scriptedGrader{
		errs:   []error{rateLimited, rateLimited},
		output: ai.GradeOutput{Percentage: 60},
	}

	var delays []time.Duration
	executor := newTestExecutor(grader, &delays)

	outcome := executor.Execute(context.Background(), 1,
		config.RunSpec{Model: "model-a"}, ai.GradeInput{},
		config.RetryPolicy{MaxRetries: 3, BackoffMs: []int{100, 200, 400}})

	require.True(t, outcome.Success)
	require.Equal(t, 3, grader.calls)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	timeout := &ai.ProviderError{Kind: ai.FailureTimeout, Message: "deadline exceeded"}
	grader := &scriptedGrader{errs: []error{timeout, timeout, timeout, timeout, timeout}}

	executor := newTestExecutor(grader, nil)

	outcome := executor.Execute(context.Background(), 0,
		config.RunSpec{Model: "model-a"}, ai.GradeInput{},
		config.RetryPolicy{MaxRetries: 3, BackoffMs: []int{10}})

	// 1 initial attempt plus 3 retries.
	require.False(t, outcome.Success)
	require.Equal(t, 4, grader.calls)
	require.Equal(t, ai.FailureTimeout, outcome.FailureKind)
	require.Equal(t, "deadline exceeded", outcome.FailureMessage)
}

func TestExecuteStopsOnNonRetryableFailure(t *testing.T) {
	invalid := &ai.ProviderError{Kind: ai.FailureInvalidRequest, Message: "bad request"}
	grader := &scriptedGrader{errs: []error{invalid, invalid}}

	executor := newTestExecutor(grader, nil)

	outcome := executor.Execute(context.Background(), 0,
		config.RunSpec{Model: "model-a"}, ai.GradeInput{},
		config.RetryPolicy{MaxRetries: 3, BackoffMs: []int{10}})

	require.False(t, outcome.Success)
	require.Equal(t, 1, grader.calls)
	require.Equal(t, ai.FailureInvalidRequest, outcome.FailureKind)
}

func TestExecuteBackoffClampsToLastDelay(t *testing.T) {
	providerErr := &ai.ProviderError{Kind: ai.FailureProvider, Message: "503"}
	grader := &scriptedGrader{errs: []error{providerErr, providerErr, providerErr}}

	var delays []time.Duration
	executor := newTestExecutor(grader, &delays)

	outcome := executor.Execute(context.Background(), 0,
		config.RunSpec{Model: "model-a"}, ai.GradeInput{},
		config.RetryPolicy{MaxRetries: 3, BackoffMs: []int{50, 100}})

	require.True(t, outcome.Success)
	require.Equal(t, []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
	}, delays)
}

func TestExecuteCancelledBackoffBecomesTimeout(t *testing.T) {
	providerErr := &ai.ProviderError{Kind: ai.FailureProvider, Message: "503"}
	grader := &scriptedGrader{errs: []error{providerErr, providerErr}}

	executor := NewRunExecutor(grader, zerolog.Nop())
	executor.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	outcome := executor.Execute(context.Background(), 0,
		config.RunSpec{Model: "model-a"}, ai.GradeInput{},
		config.RetryPolicy{MaxRetries: 3, BackoffMs: []int{10}})

	require.False(t, outcome.Success)
	require.Equal(t, 1, grader.calls)
	require.Equal(t, ai.FailureTimeout, outcome.FailureKind)
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	executor := NewRunExecutor(panicGrader{}, zerolog.Nop())

	outcome := executor.Execute(context.Background(), 2,
		config.RunSpec{Model: "model-a"}, ai.GradeInput{}, config.RetryPolicy{})

	require.False(t, outcome.Success)
	require.Equal(t, ai.FailureProvider, outcome.FailureKind)
	require.Contains(t, outcome.FailureMessage, "panicked")
}

type panicGrader struct{}

func (panicGrader) Grade(ctx context.Context, input ai.GradeInput) (ai.GradeOutput, error) {
	panic("boom")
}

func (panicGrader) Synthesize(ctx context.Context, input ai.SynthesisInput) (ai.SynthesisOutput, error) {
	return ai.SynthesisOutput{}, nil
}
