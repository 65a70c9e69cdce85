package models

import "time"

// Reasoning effort levels accepted by providers that support them.
const (
	ReasoningEffortLow    = "low"
	ReasoningEffortMedium = "medium"
	ReasoningEffortHigh   = "high"
)

// CatalogModel is the narrow contract with the model catalog: for a given
// model id it answers whether reasoning effort is supported or required and
// what the default effort is. Catalog administration itself lives elsewhere.
type CatalogModel struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	ModelID            string    `gorm:"size:255;uniqueIndex;not null" json:"model_id"`
	DisplayName        string    `gorm:"size:255" json:"display_name"`
	ReasoningSupported bool      `json:"reasoning_supported"`
	ReasoningRequired  bool      `json:"reasoning_required"`
	DefaultEffort      string    `gorm:"size:16" json:"default_effort"`
	Active             bool      `gorm:"default:true" json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
