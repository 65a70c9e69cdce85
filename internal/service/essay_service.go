package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/markm8/grading-api/internal/dto"
	"github.com/markm8/grading-api/internal/models"
	"github.com/markm8/grading-api/internal/repository"
)

// EssayService is the narrow surface over the essay store: students create
// essays and read them back; grading never mutates content.
type EssayService interface {
	Create(ctx context.Context, studentID uint, payload dto.EssayCreateRequest) (dto.EssayResponse, error)
	Get(ctx context.Context, id, viewerID uint) (dto.EssayResponse, error)
}

type essayService struct {
	repo      repository.EssayRepository
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewEssayService constructs the essay service.
func NewEssayService(repo repository.EssayRepository, validate *validator.Validate, logger zerolog.Logger) EssayService {
	return &essayService{
		repo:      repo,
		validator: validate,
		logger:    logger.With().Str("component", "essay_service").Logger(),
	}
}

func (s *essayService) Create(ctx context.Context, studentID uint, payload dto.EssayCreateRequest) (dto.EssayResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.EssayResponse{}, err
	}

	essay := models.Essay{
		StudentID:       studentID,
		Title:           strings.TrimSpace(payload.Title),
		Content:         payload.Content,
		AssignmentBrief: payload.AssignmentBrief,
		Rubric:          payload.Rubric,
		WordCount:       len(strings.Fields(payload.Content)),
	}

	if err := s.repo.Create(ctx, &essay); err != nil {
		return dto.EssayResponse{}, err
	}

	return dto.NewEssayResponse(essay), nil
}

func (s *essayService) Get(ctx context.Context, id, viewerID uint) (dto.EssayResponse, error) {
	essay, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EssayResponse{}, ErrEssayNotFound
		}
		return dto.EssayResponse{}, err
	}

	if essay.StudentID != viewerID {
		return dto.EssayResponse{}, ErrEssayForbidden
	}

	return dto.NewEssayResponse(essay), nil
}
