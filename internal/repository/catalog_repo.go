package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/markm8/grading-api/internal/models"
)

// CatalogRepository answers reasoning-effort questions for configured models.
type CatalogRepository interface {
	GetByModelID(ctx context.Context, modelID string) (models.CatalogModel, error)
	ListActive(ctx context.Context) ([]models.CatalogModel, error)
}

// NewCatalogRepository constructs a model catalog repository.
func NewCatalogRepository(db *gorm.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

type catalogRepository struct {
	db *gorm.DB
}

func (r *catalogRepository) GetByModelID(ctx context.Context, modelID string) (models.CatalogModel, error) {
	var model models.CatalogModel
	err := r.db.WithContext(ctx).Where("model_id = ?", modelID).First(&model).Error
	if err != nil {
		return models.CatalogModel{}, err
	}
	return model, nil
}

func (r *catalogRepository) ListActive(ctx context.Context) ([]models.CatalogModel, error) {
	var catalog []models.CatalogModel
	err := r.db.WithContext(ctx).Where("active = ?", true).Order("model_id").Find(&catalog).Error
	return catalog, err
}
