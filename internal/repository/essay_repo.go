package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/markm8/grading-api/internal/models"
)

// EssayRepository is the narrow contract with the essay store: the grading
// core reads essay context and toggles the edit lock, nothing else.
type EssayRepository interface {
	Create(ctx context.Context, essay *models.Essay) error
	GetByID(ctx context.Context, id uint) (models.Essay, error)
	SetLock(ctx context.Context, id uint, locked bool) error
}

// NewEssayRepository constructs an essay repository.
func NewEssayRepository(db *gorm.DB) EssayRepository {
	return &essayRepository{db: db}
}

type essayRepository struct {
	db *gorm.DB
}

func (r *essayRepository) Create(ctx context.Context, essay *models.Essay) error {
	return r.db.WithContext(ctx).Create(essay).Error
}

func (r *essayRepository) GetByID(ctx context.Context, id uint) (models.Essay, error) {
	var essay models.Essay
	err := r.db.WithContext(ctx).Preload("Student").First(&essay, id).Error
	if err != nil {
		return models.Essay{}, err
	}
	return essay, nil
}

func (r *essayRepository) SetLock(ctx context.Context, id uint, locked bool) error {
	value := interface{}(nil)
	if locked {
		now := time.Now().UTC()
		value = &now
	}
	return r.db.WithContext(ctx).
		Model(&models.Essay{}).
		Where("id = ?", id).
		Update("locked_at", value).Error
}
