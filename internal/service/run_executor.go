package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/markm8/grading-api/internal/config"
	"github.com/markm8/grading-api/pkg/ai"
)

// RunOutcome is the terminal result of one grading run, success or failure.
// Failures are absorbed here and represented as data; the executor never
// lets a provider error escape its boundary.
type RunOutcome struct {
	RunIndex         int
	Model            string
	Success          bool
	Percentage       float64
	Feedback         string
	CategoryScores   map[string]float64
	FailureKind      ai.FailureKind
	FailureMessage   string
	DurationMs       int64
	Cost             string
	PromptTokens     int64
	CompletionTokens int64
}

// RunExecutor executes exactly one configured run against the model provider
// with a bounded retry/backoff policy. It has no knowledge of other runs, so
// the lifecycle controller can fan out executions concurrently.
type RunExecutor struct {
	grader ai.Grader
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRunExecutor constructs a run executor over the provided grader.
func NewRunExecutor(grader ai.Grader, logger zerolog.Logger) *RunExecutor {
	return &RunExecutor{
		grader: grader,
		logger: logger.With().Str("component", "run_executor").Logger(),
		sleep:  sleepContext,
	}
}

// Execute performs the run, retrying retryable failures according to the
// policy. The attempt budget is 1+maxRetries calls; backoff delays past the
// end of the schedule clamp to the last configured value. Attempt durations
// accumulate into the outcome's DurationMs.
func (e *RunExecutor) Execute(ctx context.Context, runIndex int, spec config.RunSpec, input ai.GradeInput, retry config.RetryPolicy) (outcome RunOutcome) {
	outcome = RunOutcome{RunIndex: runIndex, Model: spec.Model}

	defer func() {
		if r := recover(); r != nil {
			outcome.Success = false
			outcome.FailureKind = ai.FailureProvider
			outcome.FailureMessage = fmt.Sprintf("run panicked: %v", r)
			e.logger.Error().Int("run_index", runIndex).Str("model", spec.Model).
				Interface("panic", r).Msg("grading run panicked")
		}
	}()

	input.Model = spec.Model
	input.ReasoningEffort = spec.ReasoningEffort

	var totalDuration time.Duration
	var lastErr *ai.ProviderError

	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		start := time.Now()
		output, err := e.grader.Grade(ctx, input)
		totalDuration += time.Since(start)

		if err == nil {
			outcome.Success = true
			outcome.Percentage = output.Percentage
			outcome.Feedback = output.Feedback
			outcome.CategoryScores = output.CategoryScores
			outcome.Cost = output.Cost
			outcome.PromptTokens = output.PromptTokens
			outcome.CompletionTokens = output.CompletionTokens
			outcome.DurationMs = totalDuration.Milliseconds()
			return outcome
		}

		lastErr = ai.ClassifyError(err)

		e.logger.Warn().
			Int("run_index", runIndex).
			Str("model", spec.Model).
			Int("attempt", attempt+1).
			Str("kind", string(lastErr.Kind)).
			Msg("grading run attempt failed")

		// Non-retryable failures exit immediately without consuming the
		// retry budget.
		if !lastErr.Retryable() {
			break
		}

		if attempt == retry.MaxRetries {
			break
		}

		if err := e.sleep(ctx, retry.Delay(attempt)); err != nil {
			lastErr = &ai.ProviderError{Kind: ai.FailureTimeout, Message: "run cancelled during backoff", Err: err}
			break
		}
	}

	outcome.Success = false
	outcome.FailureKind = lastErr.Kind
	outcome.FailureMessage = lastErr.Message
	outcome.DurationMs = totalDuration.Milliseconds()
	return outcome
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
