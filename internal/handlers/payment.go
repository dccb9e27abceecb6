package handlers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/agriconnect/internal/services"
	"github.com/example/agriconnect/internal/store"
	"github.com/example/agriconnect/internal/utils"
	"github.com/example/agriconnect/internal/validate"
)

// PaymentHandler manages the M-Pesa payment endpoints.
type PaymentHandler struct {
	payments *services.PaymentService
	store    store.TransactionStore
}

func NewPaymentHandler(payments *services.PaymentService, txStore store.TransactionStore) *PaymentHandler {
	return &PaymentHandler{payments: payments, store: txStore}
}

type initiatePaymentRequest struct {
	PhoneNumber string      `json:"phoneNumber"`
	Amount      json.Number `json:"amount"`
	Description string      `json:"description"`
	UserID      string      `json:"userId"`
}

// Initiate handles POST /payment/mpesa.
func (h *PaymentHandler) Initiate(c *fiber.Ctx) error {
	var req initiatePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid request body",
		})
	}

	result, err := h.payments.InitiatePayment(c.Context(), services.InitiatePaymentRequest{
		PhoneNumber: req.PhoneNumber,
		Amount:      req.Amount.String(),
		Description: req.Description,
		UserID:      req.UserID,
	})
	if err != nil {
		return writeInitiateError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":           true,
		"transactionId":     result.TransactionID,
		"checkoutRequestID": result.CheckoutRequestID,
		"phoneNumber":       result.PhoneNumber,
		"amount":            result.Amount,
		"reference":         result.Reference,
		"customerMessage":   result.CustomerMessage,
		"timestamp":         time.Now().UTC(),
	})
}

// Status handles GET /payment/mpesa/status/:transactionId.
func (h *PaymentHandler) Status(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("transactionId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid transaction id",
		})
	}

	result, err := h.payments.CheckStatus(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "transaction not found",
			})
		}
		return err
	}

	return c.JSON(fiber.Map{
		"success":            true,
		"transactionId":      result.TransactionID,
		"status":             result.Status,
		"amount":             result.Amount,
		"phoneNumber":        result.PhoneNumber,
		"mpesaReceiptNumber": result.MpesaReceiptNumber,
		"resultDescription":  result.ResultDescription,
		"timestamp":          time.Now().UTC(),
	})
}

// Callback handles POST /payment/mpesa/callback. The provider retries
// until it receives an acceptance, and even rejections must carry a
// well-formed acknowledgment body.
func (h *PaymentHandler) Callback(c *fiber.Ctx) error {
	ack := h.payments.HandleCallback(c.Context(), c.Body())
	status := fiber.StatusOK
	if ack.ResultCode != 0 {
		status = fiber.StatusBadRequest
	}
	return c.Status(status).JSON(ack)
}

// ListTransactions handles GET /payment/transactions.
func (h *PaymentHandler) ListTransactions(c *fiber.Ctx) error {
	filter := store.ListFilter{
		PhoneNumber: c.Query("phoneNumber"),
		Status:      c.Query("status"),
		Limit:       utils.ParseLimit(c, 50, 200),
	}

	txns, err := h.store.List(c.Context(), filter)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":      true,
		"transactions": txns,
	})
}

func writeInitiateError(c *fiber.Ctx, err error) error {
	var gatewayErr *services.GatewayError
	switch {
	case errors.Is(err, validate.ErrInvalidPhoneFormat),
		errors.Is(err, validate.ErrInvalidAmount),
		errors.Is(err, validate.ErrAmountTooLow):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	case errors.As(err, &gatewayErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": gatewayErr.Message,
			"code":    gatewayErr.Code,
		})
	case errors.Is(err, services.ErrGatewayAuth):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "payment gateway authorization failed",
		})
	default:
		return err
	}
}
