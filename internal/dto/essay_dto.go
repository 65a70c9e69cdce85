package dto

import (
	"time"

	"github.com/markm8/grading-api/internal/models"
)

// EssayCreateRequest stores a new essay with its grading context.
type EssayCreateRequest struct {
	Title           string `json:"title" validate:"required,min=3,max=512"`
	Content         string `json:"content" validate:"required,min=50"`
	AssignmentBrief string `json:"assignment_brief"`
	Rubric          string `json:"rubric" validate:"required,min=10"`
}

// EssayResponse is the read model for an essay.
type EssayResponse struct {
	ID              uint      `json:"id"`
	StudentID       uint      `json:"student_id"`
	Title           string    `json:"title"`
	Content         string    `json:"content"`
	AssignmentBrief string    `json:"assignment_brief,omitempty"`
	Rubric          string    `json:"rubric"`
	WordCount       int       `json:"word_count"`
	Locked          bool      `json:"locked"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewEssayResponse maps an essay row to its response representation.
func NewEssayResponse(essay models.Essay) EssayResponse {
	return EssayResponse{
		ID:              essay.ID,
		StudentID:       essay.StudentID,
		Title:           essay.Title,
		Content:         essay.Content,
		AssignmentBrief: essay.AssignmentBrief,
		Rubric:          essay.Rubric,
		WordCount:       essay.WordCount,
		Locked:          essay.IsLocked(),
		CreatedAt:       essay.CreatedAt,
	}
}
