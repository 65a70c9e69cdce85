package service

import (
	"context"
	"errors"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/markm8/grading-api/internal/config"
	"github.com/markm8/grading-api/internal/models"
	"github.com/markm8/grading-api/pkg/ai"
)

// ErrNoIncludedRuns indicates the synthesis stage was handed an empty run
// set; callers are expected to fail the grade before reaching synthesis.
var ErrNoIncludedRuns = errors.New("no included runs to synthesize feedback from")

// SynthesisResult is the resolved feedback for a grade, either merged by a
// secondary model or taken from the fallback run.
type SynthesisResult struct {
	Feedback         string
	Synthesized      bool
	Status           string
	PromptTokens     int64
	CompletionTokens int64
}

// SynthesisStage produces one feedback narrative from the included runs'
// individual feedback. Synthesis failures are never fatal: the stage always
// degrades to the deterministic fallback.
type SynthesisStage struct {
	grader    ai.Grader
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewSynthesisStage constructs the synthesis stage. A nil grader disables
// the merge call and forces the fallback policy.
func NewSynthesisStage(grader ai.Grader, logger zerolog.Logger) *SynthesisStage {
	return &SynthesisStage{
		grader:    grader,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "synthesis_stage").Logger(),
	}
}

// Resolve returns the final feedback for the included runs. When synthesis
// is disabled, unavailable, or the merge call fails, the feedback of the
// included run with the lowest percentage wins — ties broken by run index,
// so the choice is reproducible regardless of input ordering.
func (s *SynthesisStage) Resolve(ctx context.Context, cfg config.SynthesisConfig, essay models.Essay, included []RunOutcome) (SynthesisResult, error) {
	if len(included) == 0 {
		return SynthesisResult{Status: models.SynthesisStatusSkipped}, ErrNoIncludedRuns
	}

	fallback := fallbackOutcome(included)

	if !cfg.Enabled || s.grader == nil {
		return SynthesisResult{
			Feedback:    s.sanitize(fallback.Feedback),
			Synthesized: false,
			Status:      models.SynthesisStatusSkipped,
		}, nil
	}

	feedback := make([]ai.GraderFeedback, 0, len(included))
	for _, outcome := range included {
		feedback = append(feedback, ai.GraderFeedback{
			Model:      outcome.Model,
			Percentage: outcome.Percentage,
			Feedback:   outcome.Feedback,
		})
	}

	output, err := s.grader.Synthesize(ctx, ai.SynthesisInput{
		EssayTitle:  essay.Title,
		Rubric:      essay.Rubric,
		Feedback:    feedback,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil || strings.TrimSpace(output.Feedback) == "" {
		s.logger.Warn().Err(err).Uint("essay_id", essay.ID).
			Msg("feedback synthesis failed, using lowest-scorer fallback")
		return SynthesisResult{
			Feedback:    s.sanitize(fallback.Feedback),
			Synthesized: false,
			Status:      models.SynthesisStatusFailed,
		}, nil
	}

	return SynthesisResult{
		Feedback:         s.sanitize(output.Feedback),
		Synthesized:      true,
		Status:           models.SynthesisStatusComplete,
		PromptTokens:     output.PromptTokens,
		CompletionTokens: output.CompletionTokens,
	}, nil
}

// fallbackOutcome selects the most critical assessment: lowest percentage,
// ties broken by the smaller run index.
func fallbackOutcome(included []RunOutcome) RunOutcome {
	chosen := included[0]
	for _, outcome := range included[1:] {
		if outcome.Percentage < chosen.Percentage {
			chosen = outcome
			continue
		}
		if outcome.Percentage == chosen.Percentage && outcome.RunIndex < chosen.RunIndex {
			chosen = outcome
		}
	}
	return chosen
}

func (s *SynthesisStage) sanitize(text string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(text))
}
