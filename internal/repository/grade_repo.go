package repository

import (
	"context"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/markm8/grading-api/internal/models"
)

// GradeRepository exposes persistence helpers for grades and their internal
// failure records.
type GradeRepository interface {
	Create(ctx context.Context, grade *models.Grade) error
	Update(ctx context.Context, grade *models.Grade) error
	GetByID(ctx context.Context, id uint) (models.Grade, error)
	ListByEssay(ctx context.Context, essayID uint) ([]models.Grade, error)
	MergeRunProgress(ctx context.Context, gradeID uint, runIndex int, status string) error
	MarkSettled(ctx context.Context, gradeID uint) (bool, error)
	SaveFailure(ctx context.Context, failure *models.GradeFailure) error
}

// NewGradeRepository constructs a grade repository.
func NewGradeRepository(db *gorm.DB) GradeRepository {
	return &gradeRepository{db: db}
}

type gradeRepository struct {
	db *gorm.DB
}

func (r *gradeRepository) Create(ctx context.Context, grade *models.Grade) error {
	return r.db.WithContext(ctx).Create(grade).Error
}

// Update persists the lifecycle-owned columns. run_progress belongs to
// MergeRunProgress and settled_at to MarkSettled; both are excluded here so a
// whole-row write from a stale copy cannot regress them.
func (r *gradeRepository) Update(ctx context.Context, grade *models.Grade) error {
	return r.db.WithContext(ctx).
		Omit(clause.Associations, "run_progress", "settled_at").
		Save(grade).Error
}

func (r *gradeRepository) GetByID(ctx context.Context, id uint) (models.Grade, error) {
	var grade models.Grade
	err := r.db.WithContext(ctx).
		Preload("Essay").
		First(&grade, id).Error
	if err != nil {
		return models.Grade{}, err
	}
	return grade, nil
}

func (r *gradeRepository) ListByEssay(ctx context.Context, essayID uint) ([]models.Grade, error) {
	var grades []models.Grade
	err := r.db.WithContext(ctx).
		Where("essay_id = ?", essayID).
		Order("created_at DESC").
		Find(&grades).Error
	return grades, err
}

// MergeRunProgress advances a single run's progress entry under a row lock.
// The merge is monotonic per run index: a terminal entry is never moved back
// to pending, so concurrent writers cannot regress the live view.
func (r *gradeRepository) MergeRunProgress(ctx context.Context, gradeID uint, runIndex int, status string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var grade models.Grade
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&grade, gradeID).Error; err != nil {
			return err
		}

		if grade.RunProgress == nil {
			grade.RunProgress = map[string]interface{}{}
		}

		key := runProgressKey(runIndex)
		if current, ok := grade.RunProgress[key].(string); ok {
			if current == models.RunProgressComplete || current == models.RunProgressFailed {
				return nil
			}
		}
		grade.RunProgress[key] = status

		return tx.Model(&models.Grade{}).
			Where("id = ?", gradeID).
			Update("run_progress", grade.RunProgress).Error
	})
}

// MarkSettled flips the settlement marker exactly once. The returned bool is
// true only for the invocation that won the guard, which makes terminal
// settlement idempotent under retried invocation.
func (r *gradeRepository) MarkSettled(ctx context.Context, gradeID uint) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Grade{}).
		Where("id = ? AND settled_at IS NULL", gradeID).
		Update("settled_at", time.Now().UTC())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *gradeRepository) SaveFailure(ctx context.Context, failure *models.GradeFailure) error {
	return r.db.WithContext(ctx).Create(failure).Error
}

func runProgressKey(runIndex int) string {
	return strconv.Itoa(runIndex)
}
