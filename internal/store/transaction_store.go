package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/agriconnect/internal/models"
)

// Store-level errors. ErrStaleState marks an attempted mutation of a
// transaction that already reached a terminal status; callers treat it as
// an idempotent no-op, not a failure.
var (
	ErrNotFound     = errors.New("transaction not found")
	ErrDuplicateKey = errors.New("duplicate transaction key")
	ErrStaleState   = errors.New("transaction already finalized")
)

const successResultDescription = "The service request is processed successfully."

// ListFilter narrows List results.
type ListFilter struct {
	PhoneNumber string
	Status      string
	Limit       int
}

// TransactionStore persists payment transactions. The orchestrator and
// callback path depend on this interface so tests can substitute a fake.
type TransactionStore interface {
	Create(ctx context.Context, txn *models.Transaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, receiptNumber, transactionDate string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason, resultCode string) error
	MarkTimeout(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter ListFilter) ([]models.Transaction, error)
}

// GormStore is the Postgres-backed TransactionStore.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Create inserts a new transaction. Gateway-issued ids are unique by
// contract, so a unique violation here is an invariant breach and is
// reported as ErrDuplicateKey.
func (s *GormStore) Create(ctx context.Context, txn *models.Transaction) error {
	if err := s.db.WithContext(ctx).Create(txn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *GormStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).First(&txn, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (s *GormStore) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).
		Where("checkout_request_id = ?", checkoutRequestID).
		First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// MarkCompleted finalizes a pending transaction as completed. The status
// condition is part of the UPDATE itself so a concurrent callback and
// status poll cannot both finalize the same record.
func (s *GormStore) MarkCompleted(ctx context.Context, id uuid.UUID, receiptNumber, transactionDate string) error {
	now := time.Now()
	return s.conditionalUpdate(ctx, id, map[string]any{
		"status":               models.TransactionStatusCompleted,
		"completed_at":         &now,
		"mpesa_receipt_number": receiptNumber,
		"transaction_date":     transactionDate,
		"result_code":          "0",
		"result_description":   successResultDescription,
	})
}

func (s *GormStore) MarkFailed(ctx context.Context, id uuid.UUID, reason, resultCode string) error {
	return s.conditionalUpdate(ctx, id, map[string]any{
		"status":             models.TransactionStatusFailed,
		"result_code":        resultCode,
		"result_description": reason,
	})
}

func (s *GormStore) MarkTimeout(ctx context.Context, id uuid.UUID) error {
	return s.conditionalUpdate(ctx, id, map[string]any{
		"status":             models.TransactionStatusTimeout,
		"result_description": "Transaction expired before a result was received",
	})
}

// List returns transactions newest first, optionally filtered by phone
// number and status. Limit defaults to 50 and is capped at 200.
func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]models.Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := s.db.WithContext(ctx).Model(&models.Transaction{})
	if filter.PhoneNumber != "" {
		query = query.Where("phone_number = ?", filter.PhoneNumber)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var txns []models.Transaction
	if err := query.Order("created_at desc").Limit(limit).Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (s *GormStore) conditionalUpdate(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, models.TransactionStatusPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}
