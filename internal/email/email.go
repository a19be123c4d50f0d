// Package email delivers the waitlist welcome email.
//
// Two transports are supported: the Resend HTTP API (default) and plain SMTP. Callers
// treat every error as non-fatal; a signup is already committed by the time the welcome
// email is attempted.
package email

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/customergpt/waitlist/internal/config"
)

// ErrNotConfigured is returned when the selected transport has no credentials, or
// email is disabled. No network call is made in that case.
var ErrNotConfigured = errors.New("email service not configured")

// Sender delivers the welcome email to a new signup.
type Sender interface {
	SendWelcome(ctx context.Context, name, to string) error
}

//go:embed templates/*.html
var templatesFS embed.FS

var welcomeTemplate = template.Must(template.ParseFS(templatesFS, "templates/welcome.html"))

// defaultGreetingName is used when the signup has no usable name.
const defaultGreetingName = "there"

// RenderWelcome renders the welcome email body for name.
func RenderWelcome(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultGreetingName
	}

	var buf bytes.Buffer
	if err := welcomeTemplate.Execute(&buf, struct{ Name string }{Name: name}); err != nil {
		return "", fmt.Errorf("render welcome email: %w", err)
	}
	return buf.String(), nil
}

// NewSender returns the Sender selected by cfg.Provider.
func NewSender(cfg *config.EmailConfig) (Sender, error) {
	switch cfg.Provider {
	case "resend":
		return NewResendSender(cfg, nil), nil
	case "smtp":
		return NewSMTPSender(cfg), nil
	case "disabled", "":
		return disabledSender{}, nil
	default:
		return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
	}
}

type disabledSender struct{}

func (disabledSender) SendWelcome(context.Context, string, string) error {
	return ErrNotConfigured
}
