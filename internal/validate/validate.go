package validate

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Validation errors surfaced to callers before any gateway or store work.
var (
	ErrInvalidPhoneFormat = errors.New("invalid phone number format")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrAmountTooLow       = errors.New("amount is below the minimum charge")
)

// MinimumAmount is the smallest charge the platform accepts, in whole
// currency units.
var MinimumAmount = decimal.NewFromInt(10)

// NormalizePhone canonicalizes a Kenyan MSISDN to 254XXXXXXXXX form.
// Accepted shapes: 2547XXXXXXXX / 2541XXXXXXXX (12 digits) and the
// 07XXXXXXXX / 01XXXXXXXX local forms (10 digits). Spaces, hyphens and a
// leading plus sign are stripped before matching.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" || !isDigits(cleaned) {
		return "", ErrInvalidPhoneFormat
	}

	switch {
	case len(cleaned) == 12 && strings.HasPrefix(cleaned, "254"):
		if cleaned[3] != '7' && cleaned[3] != '1' {
			return "", ErrInvalidPhoneFormat
		}
		return cleaned, nil
	case len(cleaned) == 10 && cleaned[0] == '0':
		if cleaned[1] != '7' && cleaned[1] != '1' {
			return "", ErrInvalidPhoneFormat
		}
		return "254" + cleaned[1:], nil
	default:
		return "", ErrInvalidPhoneFormat
	}
}

// ParseAmount parses and validates a monetary amount. Non-numeric and
// non-positive values are rejected, as is anything below MinimumAmount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.LessThan(MinimumAmount) {
		return decimal.Zero, ErrAmountTooLow
	}
	return amount, nil
}

// GatewayAmount rounds a validated amount to the whole-unit integer the
// gateway actually charges. The stored amount must match this value.
func GatewayAmount(amount decimal.Decimal) int64 {
	return amount.Round(0).IntPart()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
