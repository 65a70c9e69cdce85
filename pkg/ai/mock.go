package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// MockGrader is the mode=mock implementation: deterministic scores derived
// from the essay content and model id, no network calls. It keeps local
// development and CI independent of provider availability.
type MockGrader struct{}

// NewMockGrader constructs the mock grader.
func NewMockGrader() *MockGrader {
	return &MockGrader{}
}

// Grade returns a deterministic percentage in [60,95] for the input.
func (m *MockGrader) Grade(_ context.Context, input GradeInput) (GradeOutput, error) {
	seed := fnv.New64a()
	_, _ = seed.Write([]byte(input.Model))
	_, _ = seed.Write([]byte(input.EssayContent))

	percentage := 60 + float64(seed.Sum64()%3500)/100

	return GradeOutput{
		Percentage: percentage,
		Feedback: fmt.Sprintf("Mock feedback from %s: the essay addresses the brief; see rubric categories for detail.",
			input.Model),
		CategoryScores: map[string]float64{
			"analysis":     percentage,
			"evidence":     percentage - 2,
			"organization": percentage + 2,
		},
		Cost: "0.00",
	}, nil
}

// Synthesize concatenates the graders' feedback deterministically.
func (m *MockGrader) Synthesize(_ context.Context, input SynthesisInput) (SynthesisOutput, error) {
	parts := make([]string, 0, len(input.Feedback))
	for _, entry := range input.Feedback {
		parts = append(parts, entry.Feedback)
	}

	return SynthesisOutput{
		Feedback: "Combined assessment: " + strings.Join(parts, " "),
	}, nil
}
