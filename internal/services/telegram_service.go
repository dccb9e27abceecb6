package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// TelegramService pushes payment events to the platform admin chat.
type TelegramService struct {
	botToken    string
	adminChatID string
	client      *http.Client
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to specified chat.
func (s *TelegramService) SendMessage(chatID, text string) error {
	if s.botToken == "" {
		log.Println("[Telegram] Bot token not configured")
		return nil
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.botToken)

	msg := telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Telegram] Failed to send message: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Telegram] Unexpected status: %d", resp.StatusCode)
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(text string) error {
	if s.adminChatID == "" {
		log.Println("[Telegram] Admin chat ID not configured")
		return nil
	}
	return s.SendMessage(s.adminChatID, text)
}

// FormatAmount formats a whole-unit KSH amount with thousand separators.
func FormatAmount(amount int64) string {
	str := fmt.Sprintf("%d", amount)

	var result strings.Builder
	length := len(str)
	for i, digit := range str {
		if i > 0 && (length-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}

	return "KSH " + result.String()
}

// NotifyPaymentSuccess sends notification about a completed M-Pesa payment.
func (s *TelegramService) NotifyPaymentSuccess(payment PaymentNotification) error {
	if s.adminChatID == "" {
		return nil
	}

	message := fmt.Sprintf(`<b>✅ PAYMENT RECEIVED</b>
<b>📋 Reference:</b> %s
<b>📞 Phone:</b> %s
<b>💰 Amount:</b> %s
<b>🧾 M-Pesa Receipt:</b> %s
━━━━━━━━━━━━━━━━━━
<i>AgriConnect</i>`,
		payment.Reference,
		payment.PhoneNumber,
		FormatAmount(payment.Amount),
		payment.ReceiptNumber,
	)

	return s.SendToAdmin(strings.TrimSpace(message))
}

// NotifyPaymentFailure sends notification about a failed M-Pesa payment.
func (s *TelegramService) NotifyPaymentFailure(payment PaymentNotification) error {
	if s.adminChatID == "" {
		return nil
	}

	message := fmt.Sprintf(`<b>❌ PAYMENT FAILED</b>
<b>📋 Reference:</b> %s
<b>📞 Phone:</b> %s
<b>💰 Amount:</b> %s
<b>⚠️ Reason:</b> %s
━━━━━━━━━━━━━━━━━━
<i>AgriConnect</i>`,
		payment.Reference,
		payment.PhoneNumber,
		FormatAmount(payment.Amount),
		payment.Reason,
	)

	return s.SendToAdmin(strings.TrimSpace(message))
}
