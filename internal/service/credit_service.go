package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/markm8/grading-api/internal/ledger"
	"github.com/markm8/grading-api/internal/models"
	"github.com/markm8/grading-api/internal/repository"
)

// ErrInsufficientCredits indicates the available balance cannot cover a
// reservation. Checked before any model call is made.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrAccountNotFound indicates the student has no credit account.
var ErrAccountNotFound = errors.New("credit account not found")

// CreditService keeps balance and reserved amounts consistent with grading
// outcomes. Every balance mutation is paired with exactly one audit
// transaction; reservation bookkeeping itself is not chargeable and writes
// no row.
type CreditService interface {
	EnsureAccount(ctx context.Context, studentID uint) (models.CreditAccount, error)
	Reserve(ctx context.Context, studentID uint, amount string) error
	ReleaseReservation(ctx context.Context, studentID uint, amount string) error
	SettleCharge(ctx context.Context, studentID uint, amount string, gradeID uint) error
	RecordPurchase(ctx context.Context, studentID uint, amount, reference string) error
	AdminAdjust(ctx context.Context, studentID uint, amount, reason string, actorID uint) error
	Balance(ctx context.Context, studentID uint) (models.CreditAccount, error)
	Transactions(ctx context.Context, studentID uint, limit, offset int) ([]models.CreditTransaction, error)
}

type creditService struct {
	repo        repository.CreditRepository
	signupBonus string
	logger      zerolog.Logger
}

// NewCreditService constructs the credit service. signupBonus is granted to
// every newly created account.
func NewCreditService(repo repository.CreditRepository, signupBonus string, logger zerolog.Logger) CreditService {
	return &creditService{
		repo:        repo,
		signupBonus: signupBonus,
		logger:      logger.With().Str("component", "credit_service").Logger(),
	}
}

func (s *creditService) EnsureAccount(ctx context.Context, studentID uint) (models.CreditAccount, error) {
	account, err := s.repo.GetAccount(ctx, studentID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CreditAccount{}, err
	}

	bonus, err := ledger.Format(s.signupBonus)
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("signup bonus: %w", err)
	}

	account = models.CreditAccount{
		StudentID: studentID,
		Balance:   bonus,
		Reserved:  ledger.Zero,
	}
	if err := s.repo.CreateAccount(ctx, &account); err != nil {
		return models.CreditAccount{}, err
	}

	err = s.repo.Mutate(ctx, studentID, func(locked *models.CreditAccount) ([]models.CreditTransaction, error) {
		return []models.CreditTransaction{{
			Amount:          bonus,
			TransactionType: models.TransactionSignupBonus,
		}}, nil
	})
	if err != nil {
		return models.CreditAccount{}, err
	}

	s.logger.Info().Uint("student_id", studentID).Str("bonus", bonus).Msg("credit account created")
	return account, nil
}

// Reserve places a hold on the available balance. Fails with
// ErrInsufficientCredits and leaves the account untouched when
// balance - reserved < amount.
func (s *creditService) Reserve(ctx context.Context, studentID uint, amount string) error {
	return s.mutate(ctx, studentID, func(account *models.CreditAccount) ([]models.CreditTransaction, error) {
		available, err := ledger.Subtract(account.Balance, account.Reserved)
		if err != nil {
			return nil, err
		}

		cmp, err := ledger.Compare(available, amount)
		if err != nil {
			return nil, err
		}
		if cmp < 0 {
			return nil, ErrInsufficientCredits
		}

		reserved, err := ledger.Add(account.Reserved, amount)
		if err != nil {
			return nil, err
		}
		account.Reserved = reserved
		return nil, nil
	})
}

// ReleaseReservation removes a hold without charging, used when a grade
// fails. No audit row is written because no money moved.
func (s *creditService) ReleaseReservation(ctx context.Context, studentID uint, amount string) error {
	return s.mutate(ctx, studentID, func(account *models.CreditAccount) ([]models.CreditTransaction, error) {
		reserved, err := ledger.Subtract(account.Reserved, amount)
		if err != nil {
			return nil, err
		}

		negative, err := ledger.IsNegative(reserved)
		if err != nil {
			return nil, err
		}
		if negative {
			return nil, fmt.Errorf("reservation release would drive reserved below zero")
		}

		account.Reserved = reserved
		return nil, nil
	})
}

// SettleCharge converts a reservation into a charge on grade completion and
// appends the grading audit transaction.
func (s *creditService) SettleCharge(ctx context.Context, studentID uint, amount string, gradeID uint) error {
	return s.mutate(ctx, studentID, func(account *models.CreditAccount) ([]models.CreditTransaction, error) {
		balance, err := ledger.Subtract(account.Balance, amount)
		if err != nil {
			return nil, err
		}
		reserved, err := ledger.Subtract(account.Reserved, amount)
		if err != nil {
			return nil, err
		}

		for _, value := range []string{balance, reserved} {
			negative, err := ledger.IsNegative(value)
			if err != nil {
				return nil, err
			}
			if negative {
				return nil, fmt.Errorf("settlement would drive the account below zero")
			}
		}

		account.Balance = balance
		account.Reserved = reserved

		charge, err := ledger.Negate(amount)
		if err != nil {
			return nil, err
		}

		id := gradeID
		return []models.CreditTransaction{{
			Amount:          charge,
			TransactionType: models.TransactionGrading,
			GradeID:         &id,
		}}, nil
	})
}

// RecordPurchase ingests a completed purchase from the billing provider.
func (s *creditService) RecordPurchase(ctx context.Context, studentID uint, amount, reference string) error {
	positive, err := ledger.IsPositive(amount)
	if err != nil {
		return err
	}
	if !positive {
		return fmt.Errorf("purchase amount must be positive, got %q", amount)
	}

	return s.mutate(ctx, studentID, func(account *models.CreditAccount) ([]models.CreditTransaction, error) {
		balance, err := ledger.Add(account.Balance, amount)
		if err != nil {
			return nil, err
		}
		account.Balance = balance

		formatted, err := ledger.Format(amount)
		if err != nil {
			return nil, err
		}

		return []models.CreditTransaction{{
			Amount:          formatted,
			TransactionType: models.TransactionPurchase,
			Metadata:        datatypes.JSONMap{"reference": reference},
		}}, nil
	})
}

// AdminAdjust applies a signed manual correction with an audit trail.
func (s *creditService) AdminAdjust(ctx context.Context, studentID uint, amount, reason string, actorID uint) error {
	return s.mutate(ctx, studentID, func(account *models.CreditAccount) ([]models.CreditTransaction, error) {
		balance, err := ledger.Add(account.Balance, amount)
		if err != nil {
			return nil, err
		}

		// The adjusted balance must still cover outstanding reservations.
		cmp, err := ledger.Compare(balance, account.Reserved)
		if err != nil {
			return nil, err
		}
		if cmp < 0 {
			return nil, fmt.Errorf("adjustment would drive balance below reserved amount")
		}

		account.Balance = balance

		formatted, err := ledger.Format(amount)
		if err != nil {
			return nil, err
		}

		return []models.CreditTransaction{{
			Amount:          formatted,
			TransactionType: models.TransactionAdminAdjustment,
			Metadata:        datatypes.JSONMap{"reason": reason, "actor_id": actorID},
		}}, nil
	})
}

func (s *creditService) Balance(ctx context.Context, studentID uint) (models.CreditAccount, error) {
	account, err := s.repo.GetAccount(ctx, studentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.CreditAccount{}, ErrAccountNotFound
		}
		return models.CreditAccount{}, err
	}
	return account, nil
}

func (s *creditService) Transactions(ctx context.Context, studentID uint, limit, offset int) ([]models.CreditTransaction, error) {
	account, err := s.Balance(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, account.ID, limit, offset)
}

func (s *creditService) mutate(ctx context.Context, studentID uint, fn repository.AccountMutation) error {
	err := s.repo.Mutate(ctx, studentID, fn)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAccountNotFound
	}
	return err
}
