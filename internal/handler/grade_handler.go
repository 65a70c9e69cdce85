package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/markm8/grading-api/internal/models"
	"github.com/markm8/grading-api/internal/service"
	"github.com/markm8/grading-api/internal/utils"
)

// GradeHandler manages grading endpoints, including the live progress
// websocket consumed by the UI layer.
type GradeHandler struct {
	service service.GradingService
	broker  *service.ProgressBroker
	logger  zerolog.Logger
}

// NewGradeHandler builds a grade handler instance.
func NewGradeHandler(service service.GradingService, broker *service.ProgressBroker, logger zerolog.Logger) *GradeHandler {
	return &GradeHandler{
		service: service,
		broker:  broker,
		logger:  logger.With().Str("component", "grade_handler").Logger(),
	}
}

// RegisterEssayRoutes attaches the per-essay grading routes. Extra
// middleware only applies to the submission route.
func (h *GradeHandler) RegisterEssayRoutes(router fiber.Router, submitMiddleware ...fiber.Handler) {
	router.Post("/:id/grades", append(submitMiddleware, h.submit)...)
	router.Get("/:id/grades", h.listByEssay)
}

// RegisterGradeRoutes attaches the grade read and progress routes.
func (h *GradeHandler) RegisterGradeRoutes(router fiber.Router) {
	router.Get("/:id", h.get)
	router.Use("/:id/progress", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/:id/progress", websocket.New(h.progress))
}

func (h *GradeHandler) submit(c *fiber.Ctx) error {
	essayID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid essay id")
	}

	grade, err := h.service.Submit(c.Context(), essayID, userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "grading queued", grade)
}

func (h *GradeHandler) get(c *fiber.Ctx) error {
	gradeID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid grade id")
	}

	grade, err := h.service.Get(c.Context(), gradeID, userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "grade retrieved", grade)
}

func (h *GradeHandler) listByEssay(c *fiber.Ctx) error {
	essayID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid essay id")
	}

	grades, err := h.service.ListByEssay(c.Context(), essayID, userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "grades retrieved", grades)
}

// progress streams run-progress events for one grade until it reaches a
// terminal state or the client disconnects.
func (h *GradeHandler) progress(conn *websocket.Conn) {
	defer conn.Close()

	raw := strings.TrimSpace(conn.Params("id"))
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		_ = conn.WriteJSON(fiber.Map{"error": "invalid grade id"})
		return
	}
	gradeID := uint(parsed)

	events, cancel := h.broker.Subscribe(gradeID)
	defer cancel()

	// The ownership check doubles as the snapshot read. A viewer who does not
	// own the grade's essay gets no stream at all, not even the current state.
	grade, err := h.service.Get(context.Background(), gradeID, userIDFromConn(conn))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrGradeNotFound):
			_ = conn.WriteJSON(fiber.Map{"error": "grade not found"})
		case errors.Is(err, service.ErrEssayForbidden):
			_ = conn.WriteJSON(fiber.Map{"error": "forbidden"})
		default:
			h.logger.Error().Err(err).Uint("grade_id", gradeID).Msg("progress snapshot failed")
			_ = conn.WriteJSON(fiber.Map{"error": "internal server error"})
		}
		return
	}

	// Send the current snapshot first so late subscribers are not left
	// waiting for the next run to finish.
	snapshot := make(map[string]string, len(grade.RunProgress))
	for key, value := range grade.RunProgress {
		if status, ok := value.(string); ok {
			snapshot[key] = status
		}
	}
	initial := service.GradeProgressEvent{
		GradeID:         grade.ID,
		Status:          grade.Status,
		RunProgress:     snapshot,
		SynthesisStatus: grade.SynthesisStatus,
	}
	if err := conn.WriteJSON(initial); err != nil {
		return
	}
	if grade.Status == models.GradeStatusComplete || grade.Status == models.GradeStatusFailed {
		return
	}

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
		if event.Status == models.GradeStatusComplete || event.Status == models.GradeStatusFailed {
			return
		}
	}
}

func (h *GradeHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrConfigInvalid):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrInsufficientCredits):
		return utils.SendError(c, fiber.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, service.ErrEssayNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "essay not found")
	case errors.Is(err, service.ErrGradeNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "grade not found")
	case errors.Is(err, service.ErrEssayForbidden):
		return utils.SendError(c, fiber.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrEssayLocked):
		return utils.SendError(c, fiber.StatusConflict, "a grading cycle is already running for this essay")
	default:
		h.logger.Error().Err(err).Msg("grade request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
