package models

import "time"

// Student owns essays and a credit account.
type Student struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Essay is the immutable input context for a grading cycle: the student text
// plus the assignment brief and rubric it is graded against. The grading core
// never mutates essay content; it only toggles the edit lock while a grade is
// in flight.
type Essay struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	StudentID       uint       `gorm:"not null;index" json:"student_id"`
	Title           string     `gorm:"size:512;not null" json:"title"`
	Content         string     `gorm:"type:text;not null" json:"content"`
	AssignmentBrief string     `gorm:"type:text" json:"assignment_brief"`
	Rubric          string     `gorm:"type:text" json:"rubric"`
	WordCount       int        `json:"word_count"`
	LockedAt        *time.Time `json:"locked_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Student         Student    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"student"`
}

// IsLocked reports whether the essay is currently locked for edits.
func (e Essay) IsLocked() bool {
	return e.LockedAt != nil
}
