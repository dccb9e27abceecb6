package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	mpesaSandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	mpesaProductionBaseURL = "https://api.safaricom.co.ke"

	accessTokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath     = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath    = "/mpesa/stkpushquery/v1/query"

	// Daraja result code for a push the customer has not yet responded
	// to. It is not a failure and must not finalize a transaction.
	ResultCodeStillProcessing = "1032"
)

// ErrGatewayAuth wraps failures to obtain an OAuth token from the
// gateway. Token failures abort the calling operation and are retryable
// by the client.
var ErrGatewayAuth = errors.New("failed to get M-Pesa access token")

var mpesaHTTPClient = &http.Client{Timeout: 15 * time.Second}

// MpesaConfig holds Daraja credentials and endpoints.
type MpesaConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	Shortcode      string
	Environment    string
	CallbackURL    string
}

// MpesaService talks to the Safaricom Daraja API: OAuth token, STK Push
// initiation and STK Push status queries.
type MpesaService struct {
	cfg     MpesaConfig
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewMpesaService(cfg MpesaConfig) *MpesaService {
	baseURL := mpesaSandboxBaseURL
	if cfg.Environment == "production" {
		baseURL = mpesaProductionBaseURL
	}
	return &MpesaService{
		cfg:     cfg,
		baseURL: baseURL,
		client:  mpesaHTTPClient,
		now:     time.Now,
	}
}

// STKPushResult is the outcome of an initiate call. A gateway rejection
// is a normal branch carried in the result, not an error return.
type STKPushResult struct {
	Success             bool
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
	ErrorCode           string
	ErrorMessage        string
}

// STKQueryResult is the outcome of a status query.
type STKQueryResult struct {
	Success      bool
	ResultCode   string
	ResultDesc   string
	ErrorCode    string
	ErrorMessage string
}

type mpesaTokenResponse struct {
	AccessToken string `json:"access_token"`
}

type mpesaAPIError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// AccessToken fetches a fresh OAuth bearer token with HTTP Basic auth.
// No caching: every signed call requests its own token.
func (s *MpesaService) AccessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+accessTokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayAuth, err)
	}
	req.SetBasicAuth(s.cfg.ConsumerKey, s.cfg.ConsumerSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayAuth, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayAuth, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d, body: %s", ErrGatewayAuth, resp.StatusCode, string(body))
	}

	var tokenResp mpesaTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayAuth, err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: response missing access_token", ErrGatewayAuth)
	}

	return tokenResp.AccessToken, nil
}

// requestPassword builds the signed request password for the given
// moment: base64(shortcode || passkey || timestamp), timestamp formatted
// YYYYMMDDHHMMSS in local time. The gateway validates freshness, so a
// new password is generated per signed call.
func (s *MpesaService) requestPassword(at time.Time) (password, timestamp string) {
	timestamp = at.Format("20060102150405")
	password = base64.StdEncoding.EncodeToString([]byte(s.cfg.Shortcode + s.cfg.Passkey + timestamp))
	return password, timestamp
}

// FormatPhone forces the 254-prefixed form. The validator already
// canonicalized the number, but this is the last point before the signed
// request is built, so the client re-normalizes on its own.
func FormatPhone(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	formatted := digits.String()
	if strings.HasPrefix(formatted, "0") {
		return "254" + formatted[1:]
	}
	if !strings.HasPrefix(formatted, "254") {
		return "254" + formatted
	}
	return formatted
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiateSTKPush submits a signed push request prompting the payer's
// phone. Amount is the whole-unit integer the gateway charges.
func (s *MpesaService) InitiateSTKPush(ctx context.Context, phone string, amount int64, reference, description string) (*STKPushResult, error) {
	token, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := s.requestPassword(s.now())
	formattedPhone := FormatPhone(phone)

	payload := stkPushRequest{
		BusinessShortCode: s.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            formattedPhone,
		PartyB:            s.cfg.Shortcode,
		PhoneNumber:       formattedPhone,
		CallBackURL:       s.cfg.CallbackURL,
		AccountReference:  reference,
		TransactionDesc:   description,
	}

	status, body, err := s.post(ctx, stkPushPath, token, payload)
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		return &STKPushResult{
			Success:      false,
			ErrorCode:    apiErrorCode(body),
			ErrorMessage: apiErrorMessage(body, "Payment initiation failed"),
		}, nil
	}

	var pushResp stkPushResponse
	if err := json.Unmarshal(body, &pushResp); err != nil {
		return nil, fmt.Errorf("unmarshal STK push response: %w", err)
	}
	if pushResp.ResponseCode != "0" {
		return &STKPushResult{
			Success:      false,
			ErrorCode:    pushResp.ResponseCode,
			ErrorMessage: pushResp.ResponseDescription,
		}, nil
	}

	return &STKPushResult{
		Success:             true,
		MerchantRequestID:   pushResp.MerchantRequestID,
		CheckoutRequestID:   pushResp.CheckoutRequestID,
		ResponseCode:        pushResp.ResponseCode,
		ResponseDescription: pushResp.ResponseDescription,
		CustomerMessage:     pushResp.CustomerMessage,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// QuerySTKPushStatus asks the gateway for the current result of a push.
// Result code "0" means completed, ResultCodeStillProcessing means the
// customer has not answered the prompt yet, anything else is a failure.
func (s *MpesaService) QuerySTKPushStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResult, error) {
	token, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := s.requestPassword(s.now())
	payload := stkQueryRequest{
		BusinessShortCode: s.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	status, body, err := s.post(ctx, stkQueryPath, token, payload)
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		return &STKQueryResult{
			Success:      false,
			ErrorCode:    apiErrorCode(body),
			ErrorMessage: apiErrorMessage(body, "Status query failed"),
		}, nil
	}

	var queryResp stkQueryResponse
	if err := json.Unmarshal(body, &queryResp); err != nil {
		return nil, fmt.Errorf("unmarshal STK query response: %w", err)
	}

	return &STKQueryResult{
		Success:    true,
		ResultCode: queryResp.ResultCode,
		ResultDesc: queryResp.ResultDesc,
	}, nil
}

func (s *MpesaService) post(ctx context.Context, path, token string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

func apiErrorCode(body []byte) string {
	var apiErr mpesaAPIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.ErrorCode != "" {
		return apiErr.ErrorCode
	}
	return "UNKNOWN_ERROR"
}

func apiErrorMessage(body []byte, fallback string) string {
	var apiErr mpesaAPIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.ErrorMessage != "" {
		return apiErr.ErrorMessage
	}
	return fallback
}

// CallbackData is the flattened result of a provider callback delivery.
type CallbackData struct {
	MerchantRequestID  string
	CheckoutRequestID  string
	ResultCode         int
	ResultDesc         string
	Amount             float64
	MpesaReceiptNumber string
	Balance            float64
	TransactionDate    string
	PhoneNumber        string
}

// Success reports whether the provider completed the charge.
func (c *CallbackData) Success() bool {
	return c.ResultCode == 0
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback extracts the result of a provider callback from its
// nested payload. Returns nil when required fields are missing; the
// caller rejects the delivery without touching any transaction.
func ParseCallback(raw []byte) *CallbackData {
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}

	cb := envelope.Body.StkCallback
	if cb == nil || cb.ResultCode == nil || cb.CheckoutRequestID == "" {
		return nil
	}

	data := &CallbackData{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        *cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}

	// Receipt details ride along only on successful charges.
	if data.ResultCode == 0 && cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			switch item.Name {
			case "Amount":
				if v, ok := item.Value.(float64); ok {
					data.Amount = v
				}
			case "MpesaReceiptNumber":
				if v, ok := item.Value.(string); ok {
					data.MpesaReceiptNumber = v
				}
			case "Balance":
				if v, ok := item.Value.(float64); ok {
					data.Balance = v
				}
			case "TransactionDate":
				data.TransactionDate = metadataString(item.Value)
			case "PhoneNumber":
				data.PhoneNumber = metadataString(item.Value)
			}
		}
	}

	return data
}

// TransactionDate and PhoneNumber arrive as JSON numbers from the
// provider but are stored as opaque strings.
func metadataString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return fmt.Sprintf("%.0f", value)
	default:
		return ""
	}
}
