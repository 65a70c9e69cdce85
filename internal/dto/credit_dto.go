package dto

import (
	"time"

	"github.com/markm8/grading-api/internal/models"
)

// CreditBalanceResponse reports a student's spendable credits.
type CreditBalanceResponse struct {
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Available string `json:"available"`
}

// CreditTransactionResponse is one audit log entry.
type CreditTransactionResponse struct {
	ID              uint                   `json:"id"`
	Amount          string                 `json:"amount"`
	TransactionType string                 `json:"transaction_type"`
	GradeID         *uint                  `json:"grade_id,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// NewCreditTransactionResponse maps a transaction row to its response form.
func NewCreditTransactionResponse(tx models.CreditTransaction) CreditTransactionResponse {
	return CreditTransactionResponse{
		ID:              tx.ID,
		Amount:          tx.Amount,
		TransactionType: tx.TransactionType,
		GradeID:         tx.GradeID,
		Metadata:        tx.Metadata,
		CreatedAt:       tx.CreatedAt,
	}
}

// PurchaseRequest is the billing-provider webhook payload: a completed
// purchase to be credited to the student's account.
type PurchaseRequest struct {
	StudentID uint   `json:"student_id" validate:"required"`
	Amount    string `json:"amount" validate:"required"`
	Reference string `json:"reference" validate:"required"`
}

// AdminAdjustRequest applies a signed manual balance correction.
type AdminAdjustRequest struct {
	StudentID uint   `json:"student_id" validate:"required"`
	Amount    string `json:"amount" validate:"required"`
	Reason    string `json:"reason" validate:"required,min=3"`
}
