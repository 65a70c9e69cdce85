package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/markm8/grading-api/internal/models"
)

// AccountMutation inspects and mutates a locked credit account. Returned
// transactions are appended atomically with the account update.
type AccountMutation func(account *models.CreditAccount) ([]models.CreditTransaction, error)

// CreditRepository exposes persistence helpers for credit accounts and their
// append-only transaction log.
type CreditRepository interface {
	GetAccount(ctx context.Context, studentID uint) (models.CreditAccount, error)
	CreateAccount(ctx context.Context, account *models.CreditAccount) error
	Mutate(ctx context.Context, studentID uint, fn AccountMutation) error
	ListTransactions(ctx context.Context, accountID uint, limit, offset int) ([]models.CreditTransaction, error)
}

// NewCreditRepository constructs a credit repository.
func NewCreditRepository(db *gorm.DB) CreditRepository {
	return &creditRepository{db: db}
}

type creditRepository struct {
	db *gorm.DB
}

func (r *creditRepository) GetAccount(ctx context.Context, studentID uint) (models.CreditAccount, error) {
	var account models.CreditAccount
	err := r.db.WithContext(ctx).Where("student_id = ?", studentID).First(&account).Error
	if err != nil {
		return models.CreditAccount{}, err
	}
	return account, nil
}

func (r *creditRepository) CreateAccount(ctx context.Context, account *models.CreditAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

// Mutate runs fn against the account under a SELECT ... FOR UPDATE row lock
// so concurrent reserve/settle cycles cannot lose updates. The balance and
// reserved columns and any returned audit transactions commit together.
func (r *creditRepository) Mutate(ctx context.Context, studentID uint, fn AccountMutation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.CreditAccount
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("student_id = ?", studentID).
			First(&account).Error
		if err != nil {
			return err
		}

		transactions, err := fn(&account)
		if err != nil {
			return err
		}

		if err := tx.Save(&account).Error; err != nil {
			return err
		}

		for i := range transactions {
			transactions[i].AccountID = account.ID
			if err := tx.Create(&transactions[i]).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

func (r *creditRepository) ListTransactions(ctx context.Context, accountID uint, limit, offset int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var transactions []models.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&transactions).Error
	return transactions, err
}
