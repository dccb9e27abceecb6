package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction statuses. Only pending transactions may transition; every
// other status is terminal.
const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
	TransactionStatusCancelled = "cancelled"
	TransactionStatusTimeout   = "timeout"
)

// TransactionExpiry is how long a pending transaction stays live before a
// status read considers it expired.
const TransactionExpiry = 10 * time.Minute

// Transaction stores the state of one M-Pesa STK Push payment attempt.
type Transaction struct {
	BaseModel
	MerchantRequestID  string     `gorm:"column:merchant_request_id;uniqueIndex" json:"merchant_request_id"`
	CheckoutRequestID  string     `gorm:"column:checkout_request_id;uniqueIndex" json:"checkout_request_id"`
	PhoneNumber        string     `gorm:"index" json:"phone_number"`
	Amount             int64      `json:"amount"`
	Description        string     `json:"description"`
	Status             string     `gorm:"index;default:pending" json:"status"`
	MpesaReceiptNumber string     `json:"mpesa_receipt_number"`
	TransactionDate    string     `json:"transaction_date"`
	ResultCode         string     `json:"result_code"`
	ResultDescription  string     `json:"result_description"`
	ReferenceNumber    string     `gorm:"uniqueIndex" json:"reference_number"`
	UserID             *uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	InitiatedAt        time.Time  `json:"initiated_at"`
	CompletedAt        *time.Time `json:"completed_at"`
	Metadata           []byte     `gorm:"type:jsonb" json:"metadata"`
}

// IsTerminal reports whether the transaction reached a final status.
func (t *Transaction) IsTerminal() bool {
	return t.Status != TransactionStatusPending
}

// IsExpired reports whether a still-pending transaction outlived the
// expiry window. Expiry is evaluated lazily on reads, never by a sweeper.
func (t *Transaction) IsExpired(now time.Time) bool {
	return t.Status == TransactionStatusPending && now.Sub(t.InitiatedAt) > TransactionExpiry
}
