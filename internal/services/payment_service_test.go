package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/agriconnect/internal/models"
	"github.com/example/agriconnect/internal/store"
	"github.com/example/agriconnect/internal/validate"
)

type fakeStore struct {
	mu   sync.Mutex
	txns map[uuid.UUID]*models.Transaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{txns: make(map[uuid.UUID]*models.Transaction)}
}

func (f *fakeStore) Create(_ context.Context, txn *models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.txns {
		if existing.CheckoutRequestID == txn.CheckoutRequestID || existing.MerchantRequestID == txn.MerchantRequestID {
			return store.ErrDuplicateKey
		}
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	clone := *txn
	f.txns[txn.ID] = &clone
	return nil
}

func (f *fakeStore) FindByID(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *txn
	return &clone, nil
}

func (f *fakeStore) FindByCheckoutID(_ context.Context, checkoutRequestID string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.txns {
		if txn.CheckoutRequestID == checkoutRequestID {
			clone := *txn
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) MarkCompleted(_ context.Context, id uuid.UUID, receiptNumber, transactionDate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return store.ErrNotFound
	}
	if txn.Status != models.TransactionStatusPending {
		return store.ErrStaleState
	}
	now := time.Now()
	txn.Status = models.TransactionStatusCompleted
	txn.CompletedAt = &now
	txn.MpesaReceiptNumber = receiptNumber
	txn.TransactionDate = transactionDate
	txn.ResultCode = "0"
	txn.ResultDescription = "The service request is processed successfully."
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, reason, resultCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return store.ErrNotFound
	}
	if txn.Status != models.TransactionStatusPending {
		return store.ErrStaleState
	}
	txn.Status = models.TransactionStatusFailed
	txn.ResultCode = resultCode
	txn.ResultDescription = reason
	return nil
}

func (f *fakeStore) MarkTimeout(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return store.ErrNotFound
	}
	if txn.Status != models.TransactionStatusPending {
		return store.ErrStaleState
	}
	txn.Status = models.TransactionStatusTimeout
	return nil
}

func (f *fakeStore) List(_ context.Context, filter store.ListFilter) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, txn := range f.txns {
		if filter.PhoneNumber != "" && txn.PhoneNumber != filter.PhoneNumber {
			continue
		}
		if filter.Status != "" && txn.Status != filter.Status {
			continue
		}
		out = append(out, *txn)
	}
	return out, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txns)
}

func (f *fakeStore) get(t *testing.T, id uuid.UUID) *models.Transaction {
	t.Helper()
	txn, err := f.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("transaction %s missing from store: %v", id, err)
	}
	return txn
}

type fakeGateway struct {
	pushResult  *STKPushResult
	pushErr     error
	queryResult *STKQueryResult
	queryErr    error
	pushCalls   int
	queryCalls  int
}

func (f *fakeGateway) InitiateSTKPush(_ context.Context, phone string, amount int64, reference, description string) (*STKPushResult, error) {
	f.pushCalls++
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	return f.pushResult, nil
}

func (f *fakeGateway) QuerySTKPushStatus(_ context.Context, checkoutRequestID string) (*STKQueryResult, error) {
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryResult, nil
}

type fakeNotifier struct {
	successes []PaymentNotification
	failures  []PaymentNotification
}

func (f *fakeNotifier) NotifyPaymentSuccess(n PaymentNotification) error {
	f.successes = append(f.successes, n)
	return nil
}

func (f *fakeNotifier) NotifyPaymentFailure(n PaymentNotification) error {
	f.failures = append(f.failures, n)
	return nil
}

func acceptedPush() *STKPushResult {
	return &STKPushResult{
		Success:             true,
		MerchantRequestID:   "29115-34620561-1",
		CheckoutRequestID:   "ws_CO_191220191020363925",
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}
}

func newTestService(gateway *fakeGateway) (*PaymentService, *fakeStore, *fakeNotifier) {
	txStore := newFakeStore()
	notifier := &fakeNotifier{}
	return NewPaymentService(txStore, gateway, notifier), txStore, notifier
}

func TestInitiatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending transaction after a successful push", func(t *testing.T) {
		gateway := &fakeGateway{pushResult: acceptedPush()}
		svc, txStore, _ := newTestService(gateway)

		result, err := svc.InitiatePayment(ctx, InitiatePaymentRequest{
			PhoneNumber: "0701234567",
			Amount:      "100",
		})
		if err != nil {
			t.Fatalf("InitiatePayment failed: %v", err)
		}

		if result.PhoneNumber != "254701234567" {
			t.Errorf("result phone = %q, want 254701234567", result.PhoneNumber)
		}
		if result.Amount != 100 {
			t.Errorf("result amount = %d, want 100", result.Amount)
		}
		if result.CheckoutRequestID != "ws_CO_191220191020363925" {
			t.Errorf("result checkout id = %q", result.CheckoutRequestID)
		}
		if result.Reference == "" {
			t.Error("expected a generated reference")
		}

		txn := txStore.get(t, result.TransactionID)
		if txn.Status != models.TransactionStatusPending {
			t.Errorf("stored status = %q, want pending", txn.Status)
		}
		if txn.PhoneNumber != "254701234567" {
			t.Errorf("stored phone = %q, want 254701234567", txn.PhoneNumber)
		}
		if txn.Amount != 100 {
			t.Errorf("stored amount = %d, want 100", txn.Amount)
		}
		if txn.Description != DefaultDescription {
			t.Errorf("stored description = %q, want default", txn.Description)
		}
		if len(txn.Metadata) == 0 {
			t.Error("expected gateway echo in metadata")
		}
	})

	t.Run("rounds the amount before charging", func(t *testing.T) {
		gateway := &fakeGateway{pushResult: acceptedPush()}
		svc, txStore, _ := newTestService(gateway)

		result, err := svc.InitiatePayment(ctx, InitiatePaymentRequest{
			PhoneNumber: "0701234567",
			Amount:      "100.6",
		})
		if err != nil {
			t.Fatalf("InitiatePayment failed: %v", err)
		}
		if txn := txStore.get(t, result.TransactionID); txn.Amount != 101 {
			t.Errorf("stored amount = %d, want 101", txn.Amount)
		}
	})

	t.Run("validation failure makes no gateway call and persists nothing", func(t *testing.T) {
		gateway := &fakeGateway{pushResult: acceptedPush()}
		svc, txStore, _ := newTestService(gateway)

		if _, err := svc.InitiatePayment(ctx, InitiatePaymentRequest{PhoneNumber: "123", Amount: "100"}); !errors.Is(err, validate.ErrInvalidPhoneFormat) {
			t.Errorf("err = %v, want ErrInvalidPhoneFormat", err)
		}
		if _, err := svc.InitiatePayment(ctx, InitiatePaymentRequest{PhoneNumber: "0701234567", Amount: "5"}); !errors.Is(err, validate.ErrAmountTooLow) {
			t.Errorf("err = %v, want ErrAmountTooLow", err)
		}
		if gateway.pushCalls != 0 {
			t.Errorf("gateway push called %d times, want 0", gateway.pushCalls)
		}
		if txStore.count() != 0 {
			t.Errorf("store holds %d transactions, want 0", txStore.count())
		}
	})

	t.Run("gateway rejection persists nothing", func(t *testing.T) {
		gateway := &fakeGateway{pushResult: &STKPushResult{
			Success:      false,
			ErrorCode:    "500.001.1001",
			ErrorMessage: "Unable to lock subscriber",
		}}
		svc, txStore, _ := newTestService(gateway)

		_, err := svc.InitiatePayment(ctx, InitiatePaymentRequest{PhoneNumber: "0701234567", Amount: "100"})
		var gatewayErr *GatewayError
		if !errors.As(err, &gatewayErr) {
			t.Fatalf("err = %v, want *GatewayError", err)
		}
		if gatewayErr.Code != "500.001.1001" {
			t.Errorf("gateway error code = %q", gatewayErr.Code)
		}
		if txStore.count() != 0 {
			t.Errorf("store holds %d transactions, want 0", txStore.count())
		}
	})

	t.Run("token failure aborts without a record", func(t *testing.T) {
		gateway := &fakeGateway{pushErr: fmt.Errorf("%w: status 401", ErrGatewayAuth)}
		svc, txStore, _ := newTestService(gateway)

		if _, err := svc.InitiatePayment(ctx, InitiatePaymentRequest{PhoneNumber: "0701234567", Amount: "100"}); !errors.Is(err, ErrGatewayAuth) {
			t.Errorf("err = %v, want ErrGatewayAuth", err)
		}
		if txStore.count() != 0 {
			t.Errorf("store holds %d transactions, want 0", txStore.count())
		}
	})
}

func seedPending(t *testing.T, txStore *fakeStore, initiatedAt time.Time) *models.Transaction {
	t.Helper()
	txn := &models.Transaction{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: "ws_CO_191220191020363925",
		PhoneNumber:       "254701234567",
		Amount:            100,
		Description:       DefaultDescription,
		Status:            models.TransactionStatusPending,
		ReferenceNumber:   "AGC-20250101000000-ABCDEF01",
		InitiatedAt:       initiatedAt,
	}
	if err := txStore.Create(context.Background(), txn); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return txn
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		svc, _, _ := newTestService(&fakeGateway{})
		if _, err := svc.CheckStatus(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("terminal state is authoritative and skips the gateway", func(t *testing.T) {
		gateway := &fakeGateway{}
		svc, txStore, _ := newTestService(gateway)
		txn := seedPending(t, txStore, time.Now())
		if err := txStore.MarkCompleted(ctx, txn.ID, "ABC123", "20191219102115"); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}

		result, err := svc.CheckStatus(ctx, txn.ID)
		if err != nil {
			t.Fatalf("CheckStatus failed: %v", err)
		}
		if result.Status != models.TransactionStatusCompleted {
			t.Errorf("status = %q, want completed", result.Status)
		}
		if gateway.queryCalls != 0 {
			t.Errorf("gateway queried %d times for a terminal record, want 0", gateway.queryCalls)
		}
	})

	t.Run("query result 0 completes the transaction", func(t *testing.T) {
		gateway := &fakeGateway{queryResult: &STKQueryResult{Success: true, ResultCode: "0", ResultDesc: "The service request is processed successfully."}}
		svc, txStore, notifier := newTestService(gateway)
		txn := seedPending(t, txStore, time.Now())

		result, err := svc.CheckStatus(ctx, txn.ID)
		if err != nil {
			t.Fatalf("CheckStatus failed: %v", err)
		}
		if result.Status != models.TransactionStatusCompleted {
			t.Errorf("status = %q, want completed", result.Status)
		}
		if len(notifier.successes) != 1 {
			t.Errorf("success events = %d, want 1", len(notifier.successes))
		}
	})

	t.Run("still processing leaves the transaction pending", func(t *testing.T) {
		gateway := &fakeGateway{queryResult: &STKQueryResult{Success: true, ResultCode: ResultCodeStillProcessing, ResultDesc: "The transaction is being processed"}}
		svc, txStore, notifier := newTestService(gateway)
		txn := seedPending(t, txStore, time.Now())

		result, err := svc.CheckStatus(ctx, txn.ID)
		if err != nil {
			t.Fatalf("CheckStatus failed: %v", err)
		}
		if result.Status != models.TransactionStatusPending {
			t.Errorf("status = %q, want pending", result.Status)
		}
		if len(notifier.failures) != 0 {
			t.Errorf("failure events = %d, want 0", len(notifier.failures))
		}
	})

	t.Run("definitive failure code marks failed", func(t *testing.T) {
		gateway := &fakeGateway{queryResult: &STKQueryResult{Success: true, ResultCode: "1031", ResultDesc: "Request cancelled by user"}}
		svc, txStore, notifier := newTestService(gateway)
		txn := seedPending(t, txStore, time.Now())

		result, err := svc.CheckStatus(ctx, txn.ID)
		if err != nil {
			t.Fatalf("CheckStatus failed: %v", err)
		}
		if result.Status != models.TransactionStatusFailed {
			t.Errorf("status = %q, want failed", result.Status)
		}
		stored := txStore.get(t, txn.ID)
		if stored.ResultDescription != "Request cancelled by user" {
			t.Errorf("result description = %q", stored.ResultDescription)
		}
		if len(notifier.failures) != 1 {
			t.Errorf("failure events = %d, want 1", len(notifier.failures))
		}
	})

	t.Run("expired pending transaction times out", func(t *testing.T) {
		gateway := &fakeGateway{queryResult: &STKQueryResult{Success: true, ResultCode: ResultCodeStillProcessing}}
		svc, txStore, _ := newTestService(gateway)
		txn := seedPending(t, txStore, time.Now().Add(-11*time.Minute))

		result, err := svc.CheckStatus(ctx, txn.ID)
		if err != nil {
			t.Fatalf("CheckStatus failed: %v", err)
		}
		if result.Status != models.TransactionStatusTimeout {
			t.Errorf("status = %q, want timeout", result.Status)
		}
	})

	t.Run("expiry applies even when the gateway is unreachable", func(t *testing.T) {
		gateway := &fakeGateway{queryErr: errors.New("connection refused")}
		svc, txStore, _ := newTestService(gateway)
		txn := seedPending(t, txStore, time.Now().Add(-11*time.Minute))

		result, err := svc.CheckStatus(ctx, txn.ID)
		if err != nil {
			t.Fatalf("CheckStatus failed: %v", err)
		}
		if result.Status != models.TransactionStatusTimeout {
			t.Errorf("status = %q, want timeout", result.Status)
		}
	})
}

func successCallback(checkoutID, receipt string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 100.0},
						{"Name": "MpesaReceiptNumber", "Value": %q},
						{"Name": "TransactionDate", "Value": 20191219102115},
						{"Name": "PhoneNumber", "Value": 254701234567}
					]
				}
			}
		}
	}`, checkoutID, receipt))
}

func failureCallback(checkoutID, desc string, code int) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": %q,
				"ResultCode": %d,
				"ResultDesc": %q
			}
		}
	}`, checkoutID, code, desc))
}

func TestHandleCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("success callback completes with receipt details", func(t *testing.T) {
		svc, txStore, notifier := newTestService(&fakeGateway{})
		txn := seedPending(t, txStore, time.Now())

		ack := svc.HandleCallback(ctx, successCallback(txn.CheckoutRequestID, "ABC123"))
		if ack.ResultCode != 0 {
			t.Fatalf("ack = %+v, want acceptance", ack)
		}

		stored := txStore.get(t, txn.ID)
		if stored.Status != models.TransactionStatusCompleted {
			t.Errorf("status = %q, want completed", stored.Status)
		}
		if stored.MpesaReceiptNumber != "ABC123" {
			t.Errorf("receipt = %q, want ABC123", stored.MpesaReceiptNumber)
		}
		if stored.TransactionDate != "20191219102115" {
			t.Errorf("transaction date = %q", stored.TransactionDate)
		}
		if len(notifier.successes) != 1 {
			t.Errorf("success events = %d, want 1", len(notifier.successes))
		}
	})

	t.Run("failure callback marks failed with reason", func(t *testing.T) {
		svc, txStore, notifier := newTestService(&fakeGateway{})
		txn := seedPending(t, txStore, time.Now())

		ack := svc.HandleCallback(ctx, failureCallback(txn.CheckoutRequestID, "Insufficient funds", 1))
		if ack.ResultCode != 0 {
			t.Fatalf("ack = %+v, want acceptance", ack)
		}

		stored := txStore.get(t, txn.ID)
		if stored.Status != models.TransactionStatusFailed {
			t.Errorf("status = %q, want failed", stored.Status)
		}
		if stored.ResultDescription != "Insufficient funds" {
			t.Errorf("result description = %q", stored.ResultDescription)
		}
		if stored.ResultCode != "1" {
			t.Errorf("result code = %q, want 1", stored.ResultCode)
		}
		if len(notifier.failures) != 1 {
			t.Errorf("failure events = %d, want 1", len(notifier.failures))
		}
	})

	t.Run("duplicate delivery is acknowledged without re-mutation", func(t *testing.T) {
		svc, txStore, notifier := newTestService(&fakeGateway{})
		txn := seedPending(t, txStore, time.Now())

		first := svc.HandleCallback(ctx, successCallback(txn.CheckoutRequestID, "ABC123"))
		second := svc.HandleCallback(ctx, successCallback(txn.CheckoutRequestID, "XYZ999"))
		if first.ResultCode != 0 || second.ResultCode != 0 {
			t.Fatalf("acks = %+v / %+v, want both accepted", first, second)
		}

		stored := txStore.get(t, txn.ID)
		if stored.MpesaReceiptNumber != "ABC123" {
			t.Errorf("receipt = %q, first terminal write must stand", stored.MpesaReceiptNumber)
		}
		if len(notifier.successes) != 1 {
			t.Errorf("success events = %d, want exactly 1", len(notifier.successes))
		}
	})

	t.Run("conflicting late failure leaves the first terminal state", func(t *testing.T) {
		svc, txStore, notifier := newTestService(&fakeGateway{})
		txn := seedPending(t, txStore, time.Now())

		svc.HandleCallback(ctx, successCallback(txn.CheckoutRequestID, "ABC123"))
		ack := svc.HandleCallback(ctx, failureCallback(txn.CheckoutRequestID, "Insufficient funds", 1))
		if ack.ResultCode != 0 {
			t.Fatalf("ack = %+v, want acceptance", ack)
		}

		stored := txStore.get(t, txn.ID)
		if stored.Status != models.TransactionStatusCompleted {
			t.Errorf("status = %q, completed must not be overwritten", stored.Status)
		}
		if len(notifier.failures) != 0 {
			t.Errorf("failure events = %d, want 0", len(notifier.failures))
		}
	})

	t.Run("unknown checkout id is rejected", func(t *testing.T) {
		svc, _, _ := newTestService(&fakeGateway{})
		ack := svc.HandleCallback(ctx, successCallback("ws_CO_unknown", "ABC123"))
		if ack.ResultCode != 1 {
			t.Errorf("ack = %+v, want rejection", ack)
		}
	})

	t.Run("malformed payload is rejected without touching state", func(t *testing.T) {
		svc, txStore, _ := newTestService(&fakeGateway{})
		txn := seedPending(t, txStore, time.Now())

		for _, raw := range [][]byte{
			[]byte("not json"),
			[]byte(`{}`),
			[]byte(`{"Body": {}}`),
			[]byte(`{"Body": {"stkCallback": {"CheckoutRequestID": "ws_CO_191220191020363925"}}}`),
		} {
			if ack := svc.HandleCallback(ctx, raw); ack.ResultCode != 1 {
				t.Errorf("payload %s: ack = %+v, want rejection", raw, ack)
			}
		}

		if stored := txStore.get(t, txn.ID); stored.Status != models.TransactionStatusPending {
			t.Errorf("status = %q, want pending untouched", stored.Status)
		}
	})
}

func TestGenerateReference(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ref := generateReference()
		if seen[ref] {
			t.Fatalf("duplicate reference generated: %s", ref)
		}
		seen[ref] = true
	}
}
