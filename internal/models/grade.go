package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Grade statuses form the lifecycle state machine: queued -> processing ->
// complete | failed. Both terminal states trigger ledger settlement exactly
// once.
const (
	GradeStatusQueued     = "queued"
	GradeStatusProcessing = "processing"
	GradeStatusComplete   = "complete"
	GradeStatusFailed     = "failed"
)

// Synthesis statuses mirror the feedback-merge policy.
const (
	SynthesisStatusPending    = "pending"
	SynthesisStatusProcessing = "processing"
	SynthesisStatusComplete   = "complete"
	SynthesisStatusSkipped    = "skipped"
	SynthesisStatusFailed     = "failed"
)

// Run progress states drive the live UI while runs are in flight.
const (
	RunProgressPending  = "pending"
	RunProgressComplete = "complete"
	RunProgressFailed   = "failed"
)

// ModelRunResult is the immutable outcome of one configured grading run. It
// is written once by the executor and consumed by the aggregator and the
// synthesis stage.
type ModelRunResult struct {
	Model      string   `json:"model"`
	Percentage *float64 `json:"percentage,omitempty"`
	Included   bool     `json:"included"`
	Reason     string   `json:"reason,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
	Cost       string   `json:"cost,omitempty"`
	Feedback   string   `json:"feedback,omitempty"`
}

// Grade is one grading attempt for an essay. Essays may be regraded, so the
// essay->grade relation is one-to-many. The lifecycle controller is the only
// writer; everything else reads.
type Grade struct {
	ID               uint              `gorm:"primaryKey" json:"id"`
	EssayID          uint              `gorm:"not null;index" json:"essay_id"`
	Status           string            `gorm:"size:32;not null;index" json:"status"`
	PercentageLower  *float64          `json:"percentage_lower"`
	PercentageUpper  *float64          `json:"percentage_upper"`
	Feedback         string            `gorm:"type:text" json:"feedback"`
	CategoryScores   datatypes.JSONMap `json:"category_scores"`
	ModelResults     datatypes.JSON    `json:"model_results"`
	RunProgress      datatypes.JSONMap `json:"run_progress"`
	SynthesisStatus  string            `gorm:"size:32;not null" json:"synthesis_status"`
	Synthesized      bool              `json:"synthesized"`
	CostCredits      string            `gorm:"type:numeric(12,2)" json:"cost_credits"`
	PromptTokens     int64             `json:"prompt_tokens"`
	CompletionTokens int64             `json:"completion_tokens"`
	ErrorMessage     string            `gorm:"type:text" json:"error_message,omitempty"`
	QueuedAt         time.Time         `json:"queued_at"`
	StartedAt        *time.Time        `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at"`
	SettledAt        *time.Time        `json:"-"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Essay            Essay             `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// IsTerminal reports whether the grade reached a final state.
func (g Grade) IsTerminal() bool {
	return g.Status == GradeStatusComplete || g.Status == GradeStatusFailed
}

// SetModelResults serialises the per-run outcomes into the JSON column.
func (g *Grade) SetModelResults(results []ModelRunResult) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return err
	}
	g.ModelResults = datatypes.JSON(raw)
	return nil
}

// ModelRunResults deserialises the per-run outcomes from the JSON column.
func (g Grade) ModelRunResults() ([]ModelRunResult, error) {
	if len(g.ModelResults) == 0 {
		return nil, nil
	}
	var results []ModelRunResult
	if err := json.Unmarshal(g.ModelResults, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// GradeFailure keeps raw diagnostics for a failed grade. It is internal-only:
// the user-facing Grade carries a sanitized message while the raw provider
// error and stage detail land here, keyed by grade id.
type GradeFailure struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	GradeID    uint      `gorm:"not null;index" json:"grade_id"`
	Stage      string    `gorm:"size:64" json:"stage"`
	Diagnostic string    `gorm:"type:text" json:"diagnostic"`
	CreatedAt  time.Time `json:"created_at"`
}
