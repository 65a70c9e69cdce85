package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/markm8/grading-api/internal/dto"
	"github.com/markm8/grading-api/internal/service"
	"github.com/markm8/grading-api/internal/utils"
)

// EssayHandler manages essay endpoints.
type EssayHandler struct {
	service service.EssayService
	logger  zerolog.Logger
}

// NewEssayHandler builds an essay handler instance.
func NewEssayHandler(service service.EssayService, logger zerolog.Logger) *EssayHandler {
	return &EssayHandler{
		service: service,
		logger:  logger.With().Str("component", "essay_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *EssayHandler) Register(router fiber.Router) {
	router.Post("", h.create)
	router.Get("/:id", h.get)
}

func (h *EssayHandler) create(c *fiber.Ctx) error {
	var payload dto.EssayCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	essay, err := h.service.Create(c.Context(), userIDFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "essay created", essay)
}

func (h *EssayHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid essay id")
	}

	essay, err := h.service.Get(c.Context(), id, userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "essay retrieved", essay)
}

func (h *EssayHandler) handleError(c *fiber.Ctx, err error) error {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs):
		return utils.SendError(c, fiber.StatusBadRequest, "validation failed: "+validationErrs.Error())
	case errors.Is(err, service.ErrEssayNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "essay not found")
	case errors.Is(err, service.ErrEssayForbidden):
		return utils.SendError(c, fiber.StatusForbidden, "forbidden")
	default:
		h.logger.Error().Err(err).Msg("essay request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
