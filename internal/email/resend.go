package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/customergpt/waitlist/internal/config"
)

// DefaultResendBaseURL is the Resend API root.
const DefaultResendBaseURL = "https://api.resend.com"

// ProviderError is a non-2xx answer from the email provider.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("email provider returned %d: %s", e.StatusCode, e.Message)
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ResendSender sends email through the Resend HTTP API.
type ResendSender struct {
	apiKey  string
	baseURL string
	from    string
	subject string
	client  *http.Client
}

// NewResendSender creates a ResendSender. A nil client gets one with cfg.Timeout.
func NewResendSender(cfg *config.EmailConfig, client *http.Client) *ResendSender {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	baseURL := cfg.Resend.BaseURL
	if baseURL == "" {
		baseURL = DefaultResendBaseURL
	}
	return &ResendSender{
		apiKey:  cfg.Resend.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		from:    cfg.From,
		subject: cfg.Subject,
		client:  client,
	}
}

// SendWelcome renders the welcome email and posts it to /emails.
func (s *ResendSender) SendWelcome(ctx context.Context, name, to string) error {
	if s.apiKey == "" {
		return ErrNotConfigured
	}

	html, err := RenderWelcome(name)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(resendRequest{
		From:    s.from,
		To:      []string{to},
		Subject: s.subject,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var decoded resendResponse
	_ = json.Unmarshal(body, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := decoded.Message
		if msg == "" {
			msg = "failed to send email"
		}
		return &ProviderError{StatusCode: resp.StatusCode, Message: msg}
	}
	return nil
}
