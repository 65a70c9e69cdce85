package dto

import (
	"time"

	"github.com/markm8/grading-api/internal/models"
)

// PercentageRange is the consensus score band derived from the included runs.
type PercentageRange struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// GradeResponse is the read model for a grade exposed over the API.
type GradeResponse struct {
	ID               uint                    `json:"id"`
	EssayID          uint                    `json:"essay_id"`
	Status           string                  `json:"status"`
	PercentageRange  *PercentageRange        `json:"percentage_range,omitempty"`
	Feedback         string                  `json:"feedback,omitempty"`
	CategoryScores   map[string]interface{}  `json:"category_scores,omitempty"`
	ModelResults     []models.ModelRunResult `json:"model_results,omitempty"`
	RunProgress      map[string]interface{}  `json:"run_progress,omitempty"`
	SynthesisStatus  string                  `json:"synthesis_status"`
	Synthesized      bool                    `json:"synthesized"`
	CostCredits      string                  `json:"cost_credits"`
	PromptTokens     int64                   `json:"prompt_tokens"`
	CompletionTokens int64                   `json:"completion_tokens"`
	ErrorMessage     string                  `json:"error_message,omitempty"`
	QueuedAt         time.Time               `json:"queued_at"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
}

// NewGradeResponse maps a grade row to its response representation.
func NewGradeResponse(grade models.Grade) GradeResponse {
	response := GradeResponse{
		ID:               grade.ID,
		EssayID:          grade.EssayID,
		Status:           grade.Status,
		Feedback:         grade.Feedback,
		CategoryScores:   grade.CategoryScores,
		RunProgress:      grade.RunProgress,
		SynthesisStatus:  grade.SynthesisStatus,
		Synthesized:      grade.Synthesized,
		CostCredits:      grade.CostCredits,
		PromptTokens:     grade.PromptTokens,
		CompletionTokens: grade.CompletionTokens,
		ErrorMessage:     grade.ErrorMessage,
		QueuedAt:         grade.QueuedAt,
		StartedAt:        grade.StartedAt,
		CompletedAt:      grade.CompletedAt,
	}

	if grade.PercentageLower != nil && grade.PercentageUpper != nil {
		response.PercentageRange = &PercentageRange{
			Lower: *grade.PercentageLower,
			Upper: *grade.PercentageUpper,
		}
	}

	if results, err := grade.ModelRunResults(); err == nil {
		response.ModelResults = results
	}

	return response
}
