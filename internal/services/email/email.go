package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrEmailDeliveryFailed is returned when the provider does not accept a message
var ErrEmailDeliveryFailed = errors.New("email delivery failed")

// ReceiptTemplate is the provider-side template that renders unlock receipts
const ReceiptTemplate = "unlock-receipt"

// ReceiptPayload is the data the receipt template renders
type ReceiptPayload struct {
	UnlockCode  string     `json:"unlock_code"`
	ProductKey  string     `json:"product_key"`
	AmountCents int64      `json:"amount_cents"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type message struct {
	From     string         `json:"from"`
	To       []string       `json:"to"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     ReceiptPayload `json:"data"`
}

// EmailService sends transactional email through an HTTP API
type EmailService struct {
	apiURL     string
	apiKey     string
	fromEmail  string
	httpClient *http.Client
}

// NewEmailService creates a new email service
func NewEmailService(apiURL, apiKey, fromEmail string) *EmailService {
	return &EmailService{
		apiURL:    apiURL,
		apiKey:    apiKey,
		fromEmail: fromEmail,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SendReceiptEmail sends the unlock receipt to a customer
func (s *EmailService) SendReceiptEmail(ctx context.Context, toEmail string, payload ReceiptPayload) error {
	if toEmail == "" {
		return fmt.Errorf("%w: no recipient", ErrEmailDeliveryFailed)
	}
	return s.send(ctx, message{
		From:     s.fromEmail,
		To:       []string{toEmail},
		Subject:  "Your unlock code",
		Template: ReceiptTemplate,
		Data:     payload,
	})
}

func (s *EmailService) send(ctx context.Context, msg message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmailDeliveryFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmailDeliveryFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmailDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: provider returned status %d", ErrEmailDeliveryFailed, resp.StatusCode)
	}
	return nil
}
