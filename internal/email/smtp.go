package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/customergpt/waitlist/internal/config"
)

// SMTPSender sends email through an SMTP relay.
type SMTPSender struct {
	cfg     config.SMTPConfig
	from    string
	subject string
	timeout time.Duration
}

// NewSMTPSender creates an SMTPSender from the email config.
func NewSMTPSender(cfg *config.EmailConfig) *SMTPSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMTPSender{cfg: cfg.SMTP, from: cfg.From, subject: cfg.Subject, timeout: timeout}
}

// SendWelcome renders the welcome email and hands it to the relay.
func (s *SMTPSender) SendWelcome(ctx context.Context, name, to string) error {
	if s.cfg.Host == "" {
		return ErrNotConfigured
	}

	html, err := RenderWelcome(name)
	if err != nil {
		return err
	}

	envelopeFrom := s.from
	if a, err := mail.ParseAddress(s.from); err == nil {
		envelopeFrom = a.Address
	}

	msg := buildMessage(s.from, to, s.subject, html)
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.send(ctx, addr, auth, envelopeFrom, []string{to}, msg)
}

// buildMessage assembles an RFC 5322 message with an HTML body. The subject is
// Q-encoded since it may contain non-ASCII characters.
func buildMessage(from, to, subject, html string) []byte {
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + mime.QEncoding.Encode("utf-8", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=utf-8",
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + html + "\r\n")
}

// dial opens the relay connection. With UseTLS it tries implicit TLS first (port 465)
// and falls back to a plain connection that send upgrades with STARTTLS (port 587).
// implicitTLS reports which one succeeded.
func (s *SMTPSender) dial(ctx context.Context, addr string) (conn net.Conn, implicitTLS bool, err error) {
	netDialer := &net.Dialer{}
	if s.cfg.UseTLS {
		tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: s.tlsConfig()}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, true, nil
		}
		if ctx.Err() != nil {
			return nil, false, err
		}
	}
	conn, err = netDialer.DialContext(ctx, "tcp", addr)
	return conn, false, err
}

func (s *SMTPSender) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: s.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
}

// send runs one SMTP transaction. Every read and write is bounded by ctx: the
// connection deadline follows ctx's deadline and cancellation closes the connection.
func (s *SMTPSender) send(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, implicitTLS, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if s.cfg.UseTLS && !implicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(s.tlsConfig()); err != nil {
				return fmt.Errorf("smtp STARTTLS: %w", err)
			}
		}
	}

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end of data: %w", err)
	}
	return c.Quit()
}
