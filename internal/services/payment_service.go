package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/agriconnect/internal/metrics"
	"github.com/example/agriconnect/internal/models"
	"github.com/example/agriconnect/internal/store"
	"github.com/example/agriconnect/internal/validate"
)

// DefaultDescription is used when the caller supplies no description.
const DefaultDescription = "AgriConnect Platform Payment"

// GatewayError is a structured initiation rejection from the payment
// gateway. No transaction exists when it is returned, so the client may
// safely retry.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway rejected payment: %s (%s)", e.Message, e.Code)
}

// Gateway abstracts the Daraja client so tests can substitute a fake.
type Gateway interface {
	InitiateSTKPush(ctx context.Context, phone string, amount int64, reference, description string) (*STKPushResult, error)
	QuerySTKPushStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResult, error)
}

// Notifier receives completion/failure events for terminal transitions.
type Notifier interface {
	NotifyPaymentSuccess(n PaymentNotification) error
	NotifyPaymentFailure(n PaymentNotification) error
}

// PaymentNotification describes a finalized payment for downstream
// notification channels.
type PaymentNotification struct {
	TransactionID string
	PhoneNumber   string
	Amount        int64
	Reference     string
	ReceiptNumber string
	Reason        string
}

// PaymentService orchestrates the STK Push lifecycle:
// validate -> initiate -> persist -> (poll | await callback) -> finalize.
type PaymentService struct {
	store    store.TransactionStore
	gateway  Gateway
	notifier Notifier
}

func NewPaymentService(txStore store.TransactionStore, gateway Gateway, notifier Notifier) *PaymentService {
	return &PaymentService{
		store:    txStore,
		gateway:  gateway,
		notifier: notifier,
	}
}

// InitiatePaymentRequest carries caller input for a new payment.
type InitiatePaymentRequest struct {
	PhoneNumber string
	Amount      string
	Description string
	UserID      string
}

// InitiateResult is returned to the caller after a successful push.
type InitiateResult struct {
	TransactionID     uuid.UUID
	CheckoutRequestID string
	PhoneNumber       string
	Amount            int64
	Reference         string
	CustomerMessage   string
}

// StatusResult exposes the public fields of a transaction.
type StatusResult struct {
	TransactionID      uuid.UUID
	Status             string
	Amount             int64
	PhoneNumber        string
	MpesaReceiptNumber string
	ResultDescription  string
}

// InitiatePayment validates input, submits an STK Push and persists the
// pending transaction. A transaction is created only after the gateway
// accepts the push; a rejected or failed initiate leaves no record.
//
// Concurrent calls with the same logical intent are not deduplicated:
// each call creates its own push and its own transaction. Callers that
// need idempotency must supply their own key in front of this service.
func (s *PaymentService) InitiatePayment(ctx context.Context, req InitiatePaymentRequest) (*InitiateResult, error) {
	phone, err := validate.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	parsedAmount, err := validate.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	amount := validate.GatewayAmount(parsedAmount)

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = DefaultDescription
	}

	reference := generateReference()

	started := time.Now()
	pushResult, err := s.gateway.InitiateSTKPush(ctx, phone, amount, reference, description)
	metrics.GatewayRequestSeconds.WithLabelValues("push").Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}
	if !pushResult.Success {
		metrics.PaymentsRejected.Inc()
		return nil, &GatewayError{Code: pushResult.ErrorCode, Message: pushResult.ErrorMessage}
	}

	txn := models.Transaction{
		MerchantRequestID: pushResult.MerchantRequestID,
		CheckoutRequestID: pushResult.CheckoutRequestID,
		PhoneNumber:       phone,
		Amount:            amount,
		Description:       description,
		Status:            models.TransactionStatusPending,
		ReferenceNumber:   reference,
		InitiatedAt:       time.Now(),
		Metadata:          gatewayEcho(pushResult),
	}
	if userID, err := uuid.Parse(req.UserID); err == nil {
		txn.UserID = &userID
	}

	if err := s.store.Create(ctx, &txn); err != nil {
		// A duplicate here means the gateway issued colliding ids; the
		// push is live but untracked. Operator attention required.
		log.Printf("[Payment] failed to persist transaction for checkout %s: %v", pushResult.CheckoutRequestID, err)
		return nil, err
	}

	metrics.PaymentsInitiated.Inc()
	log.Printf("[Payment] initiated %s: checkout %s, phone %s, amount %d", txn.ID, txn.CheckoutRequestID, phone, amount)

	return &InitiateResult{
		TransactionID:     txn.ID,
		CheckoutRequestID: txn.CheckoutRequestID,
		PhoneNumber:       phone,
		Amount:            amount,
		Reference:         reference,
		CustomerMessage:   pushResult.CustomerMessage,
	}, nil
}

// CheckStatus reconciles a transaction against the gateway. Terminal
// records are authoritative and returned without a gateway call. Pending
// records are queried and then checked for expiry, so a transaction that
// outlived its window times out even when the gateway is unreachable.
func (s *PaymentService) CheckStatus(ctx context.Context, id uuid.UUID) (*StatusResult, error) {
	txn, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if txn.IsTerminal() {
		return statusResult(txn), nil
	}

	started := time.Now()
	queryResult, err := s.gateway.QuerySTKPushStatus(ctx, txn.CheckoutRequestID)
	metrics.GatewayRequestSeconds.WithLabelValues("query").Observe(time.Since(started).Seconds())
	if err != nil {
		log.Printf("[Payment] status query failed for %s: %v", txn.ID, err)
	} else if queryResult.Success {
		switch queryResult.ResultCode {
		case "0":
			// The query response carries no receipt number; the callback
			// remains the preferred source for receipt details.
			if err := s.finalizeCompleted(ctx, txn, "", ""); err != nil {
				return nil, err
			}
		case ResultCodeStillProcessing:
			// Customer has not responded to the prompt yet.
		default:
			if err := s.finalizeFailed(ctx, txn, queryResult.ResultDesc, queryResult.ResultCode); err != nil {
				return nil, err
			}
		}
	}

	if txn.IsExpired(time.Now()) {
		switch err := s.store.MarkTimeout(ctx, txn.ID); err {
		case nil:
			metrics.PaymentsFinalized.WithLabelValues(models.TransactionStatusTimeout).Inc()
			log.Printf("[Payment] transaction %s expired", txn.ID)
		case store.ErrStaleState:
			// Lost the race to a concurrent finalizer.
		default:
			return nil, err
		}
	}

	refreshed, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return statusResult(refreshed), nil
}

// CallbackAck is the acknowledgment body the provider expects. The
// provider redelivers until it sees an acceptance, so rejections must
// still be well-formed.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var callbackAccepted = CallbackAck{ResultCode: 0, ResultDesc: "Success"}

// HandleCallback finalizes a transaction from the provider's async
// result delivery. Duplicate deliveries for an already-terminal
// transaction are acknowledged without mutating state or re-emitting
// events.
func (s *PaymentService) HandleCallback(ctx context.Context, raw []byte) CallbackAck {
	data := ParseCallback(raw)
	if data == nil {
		log.Printf("[Payment] rejected malformed callback payload")
		return CallbackAck{ResultCode: 1, ResultDesc: "Invalid callback payload"}
	}

	txn, err := s.store.FindByCheckoutID(ctx, data.CheckoutRequestID)
	if err != nil {
		log.Printf("[Payment] callback for unknown checkout %s", data.CheckoutRequestID)
		return CallbackAck{ResultCode: 1, ResultDesc: "Transaction not found"}
	}

	if txn.IsTerminal() {
		return callbackAccepted
	}

	if data.Success() {
		err = s.finalizeCompleted(ctx, txn, data.MpesaReceiptNumber, data.TransactionDate)
	} else {
		err = s.finalizeFailed(ctx, txn, data.ResultDesc, fmt.Sprintf("%d", data.ResultCode))
	}
	if err != nil {
		// State is already written or the record was finalized
		// concurrently; either way the delivery is acknowledged.
		log.Printf("[Payment] callback finalization for %s: %v", txn.ID, err)
	}

	return callbackAccepted
}

// finalizeCompleted applies the completed transition and emits the
// success event. A stale-state conflict means another path won the
// race; it is swallowed and no event is emitted.
func (s *PaymentService) finalizeCompleted(ctx context.Context, txn *models.Transaction, receiptNumber, transactionDate string) error {
	switch err := s.store.MarkCompleted(ctx, txn.ID, receiptNumber, transactionDate); err {
	case nil:
	case store.ErrStaleState:
		return nil
	default:
		return err
	}

	metrics.PaymentsFinalized.WithLabelValues(models.TransactionStatusCompleted).Inc()
	log.Printf("[Payment] transaction %s completed, receipt %q", txn.ID, receiptNumber)

	if s.notifier != nil {
		if err := s.notifier.NotifyPaymentSuccess(PaymentNotification{
			TransactionID: txn.ID.String(),
			PhoneNumber:   txn.PhoneNumber,
			Amount:        txn.Amount,
			Reference:     txn.ReferenceNumber,
			ReceiptNumber: receiptNumber,
		}); err != nil {
			log.Printf("[Payment] success notification failed for %s: %v", txn.ID, err)
		}
	}
	return nil
}

func (s *PaymentService) finalizeFailed(ctx context.Context, txn *models.Transaction, reason, resultCode string) error {
	switch err := s.store.MarkFailed(ctx, txn.ID, reason, resultCode); err {
	case nil:
	case store.ErrStaleState:
		return nil
	default:
		return err
	}

	metrics.PaymentsFinalized.WithLabelValues(models.TransactionStatusFailed).Inc()
	log.Printf("[Payment] transaction %s failed: %s (%s)", txn.ID, reason, resultCode)

	if s.notifier != nil {
		if err := s.notifier.NotifyPaymentFailure(PaymentNotification{
			TransactionID: txn.ID.String(),
			PhoneNumber:   txn.PhoneNumber,
			Amount:        txn.Amount,
			Reference:     txn.ReferenceNumber,
			Reason:        reason,
		}); err != nil {
			log.Printf("[Payment] failure notification failed for %s: %v", txn.ID, err)
		}
	}
	return nil
}

func statusResult(txn *models.Transaction) *StatusResult {
	return &StatusResult{
		TransactionID:      txn.ID,
		Status:             txn.Status,
		Amount:             txn.Amount,
		PhoneNumber:        txn.PhoneNumber,
		MpesaReceiptNumber: txn.MpesaReceiptNumber,
		ResultDescription:  txn.ResultDescription,
	}
}

// generateReference builds the caller-facing correlation string. The
// uuid suffix keeps it collision-resistant; the timestamp keeps it
// legible in statements.
func generateReference() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return fmt.Sprintf("AGC-%s-%s", time.Now().Format("20060102150405"), suffix)
}

func gatewayEcho(result *STKPushResult) []byte {
	echo, err := json.Marshal(map[string]string{
		"response_code":        result.ResponseCode,
		"response_description": result.ResponseDescription,
		"customer_message":     result.CustomerMessage,
	})
	if err != nil {
		return nil
	}
	return echo
}
