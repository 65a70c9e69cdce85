package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/markm8/grading-api/internal/dto"
	"github.com/markm8/grading-api/internal/ledger"
	"github.com/markm8/grading-api/internal/service"
	"github.com/markm8/grading-api/internal/utils"
)

// CreditHandler manages credit balance and transaction endpoints.
type CreditHandler struct {
	service   service.CreditService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewCreditHandler builds a credit handler instance.
func NewCreditHandler(service service.CreditService, validate *validator.Validate, logger zerolog.Logger) *CreditHandler {
	return &CreditHandler{
		service:   service,
		validator: validate,
		logger:    logger.With().Str("component", "credit_handler").Logger(),
	}
}

// Register attaches the student-facing credit routes.
func (h *CreditHandler) Register(router fiber.Router) {
	router.Get("/balance", h.balance)
	router.Get("/transactions", h.transactions)
}

// RegisterAdmin attaches the billing and admin adjustment routes.
func (h *CreditHandler) RegisterAdmin(router fiber.Router) {
	router.Post("/purchases", h.recordPurchase)
	router.Post("/adjustments", h.adjust)
}

func (h *CreditHandler) balance(c *fiber.Ctx) error {
	// Accounts are created lazily with the signup bonus on first contact.
	account, err := h.service.EnsureAccount(c.Context(), userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	available, err := ledger.Subtract(account.Balance, account.Reserved)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "balance retrieved", dto.CreditBalanceResponse{
		Balance:   account.Balance,
		Reserved:  account.Reserved,
		Available: available,
	})
}

func (h *CreditHandler) transactions(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset")
	}

	transactions, err := h.service.Transactions(c.Context(), userIDFromContext(c), limit, offset)
	if err != nil {
		return h.handleError(c, err)
	}

	responses := make([]dto.CreditTransactionResponse, 0, len(transactions))
	for _, tx := range transactions {
		responses = append(responses, dto.NewCreditTransactionResponse(tx))
	}

	return utils.SendSuccess(c, "transactions retrieved", responses)
}

func (h *CreditHandler) recordPurchase(c *fiber.Ctx) error {
	var payload dto.PurchaseRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return h.handleError(c, err)
	}

	if err := h.service.RecordPurchase(c.Context(), payload.StudentID, payload.Amount, payload.Reference); err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "purchase recorded", nil)
}

func (h *CreditHandler) adjust(c *fiber.Ctx) error {
	var payload dto.AdminAdjustRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return h.handleError(c, err)
	}

	if err := h.service.AdminAdjust(c.Context(), payload.StudentID, payload.Amount, payload.Reason, userIDFromContext(c)); err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "balance adjusted", nil)
}

func (h *CreditHandler) handleError(c *fiber.Ctx, err error) error {
	var validationErrs validator.ValidationErrors
	var formatErr *ledger.FormatError
	switch {
	case errors.As(err, &validationErrs):
		return utils.SendError(c, fiber.StatusBadRequest, "validation failed: "+validationErrs.Error())
	case errors.As(err, &formatErr):
		return utils.SendError(c, fiber.StatusBadRequest, "invalid decimal amount")
	case errors.Is(err, service.ErrAccountNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "credit account not found")
	case errors.Is(err, service.ErrInsufficientCredits):
		return utils.SendError(c, fiber.StatusPaymentRequired, "insufficient credits")
	default:
		h.logger.Error().Err(err).Msg("credit request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
