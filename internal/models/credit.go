package models

import (
	"time"

	"gorm.io/datatypes"
)

// Transaction types recorded in the audit log.
const (
	TransactionSignupBonus     = "signup_bonus"
	TransactionPurchase        = "purchase"
	TransactionGrading         = "grading"
	TransactionRefund          = "refund"
	TransactionAdminAdjustment = "admin_adjustment"
)

// CreditAccount tracks a student's spendable credits. Balance and Reserved
// are decimal strings; the invariant reserved <= balance holds at all times
// and available-to-spend is balance minus reserved.
type CreditAccount struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	StudentID uint      `gorm:"not null;uniqueIndex" json:"student_id"`
	Balance   string    `gorm:"type:numeric(12,2);not null;default:0" json:"balance"`
	Reserved  string    `gorm:"type:numeric(12,2);not null;default:0" json:"reserved"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is one immutable audit log entry. Rows are append-only
// and never mutated or deleted.
type CreditTransaction struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	AccountID       uint              `gorm:"not null;index" json:"account_id"`
	Amount          string            `gorm:"type:numeric(12,2);not null" json:"amount"`
	TransactionType string            `gorm:"size:32;not null;index" json:"transaction_type"`
	GradeID         *uint             `gorm:"index" json:"grade_id,omitempty"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}
