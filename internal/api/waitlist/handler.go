// Package waitlist implements the public signup endpoint.
//
// A request runs through a fixed sequence and stops at the first response: preflight,
// method check, rate limit check, JSON parsing, validation, attempt recording, insert,
// welcome email, 201. Only validated requests are recorded against the rate limit.
package waitlist

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/customergpt/waitlist/internal/db/models"
	"github.com/customergpt/waitlist/internal/db/repositories"
	"github.com/customergpt/waitlist/internal/email"
	"github.com/customergpt/waitlist/internal/ratelimit"
	"github.com/customergpt/waitlist/internal/safego"
	"github.com/customergpt/waitlist/internal/telemetry"
)

// Response messages. The landing page matches on status codes; the strings are shown
// to users as-is.
const (
	MsgCreated          = "You have been added to the waitlist!"
	MsgMethodNotAllowed = "Method not allowed"
	MsgTooManyAttempts  = "Too many attempts. Please try again later."
	MsgInvalidJSON      = "Invalid JSON"
	MsgEmailRequired    = "Email is required"
	MsgInvalidEmail     = "Invalid email format"
	MsgNameRequired     = "Name is required"
	MsgDuplicateEmail   = "This email is already registered in the waitlist"
	MsgInternalError    = "Internal server error"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// SignupStore persists signups. Implemented by repositories.SignupRepository.
type SignupStore interface {
	CreateSignup(ctx context.Context, signup *models.Signup) error
}

// Handler serves the signup endpoint.
type Handler struct {
	store        SignupStore
	limiter      ratelimit.Limiter
	throttle     ratelimit.Throttle
	sender       email.Sender
	emailTimeout time.Duration
}

// NewHandler creates a signup handler. emailTimeout bounds the welcome email send.
func NewHandler(store SignupStore, limiter ratelimit.Limiter, sender email.Sender, emailTimeout time.Duration) *Handler {
	if emailTimeout <= 0 {
		emailTimeout = 10 * time.Second
	}
	return &Handler{
		store:        store,
		limiter:      limiter,
		sender:       sender,
		emailTimeout: emailTimeout,
	}
}

type signupRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

// SignupData is the created signup as returned to the client.
type SignupData struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      *string   `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SignupResponse is the 201 body.
type SignupResponse struct {
	Message   string     `json:"message"`
	Data      SignupData `json:"data"`
	EmailSent bool       `json:"emailSent"`
}

// SignupHandler handles every method on the signup route.
// OPTIONS /waitlist-signup, POST /waitlist-signup
func (h *Handler) SignupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodOptions:
			c.Status(http.StatusOK)
			return
		case http.MethodPost:
		default:
			c.JSON(http.StatusMethodNotAllowed, gin.H{"error": MsgMethodNotAllowed})
			return
		}

		ctx := c.Request.Context()
		ip := ClientIP(c.Request)

		if decision := h.limiter.Check(ctx, ip); !decision.Allowed {
			telemetry.SignupsTotal.WithLabelValues(telemetry.OutcomeRateLimited).Inc()
			slog.Info("signup rate limited", "ip", ip, "retry_after", decision.RetryAfter)
			TooManyAttempts(c, decision.RetryAfter)
			return
		}

		var req signupRequest
		if err := decodeSignup(c, &req); err != nil {
			telemetry.SignupsTotal.WithLabelValues(telemetry.OutcomeInvalid).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": MsgInvalidJSON})
			return
		}

		name, addr, msg := validate(req)
		if msg != "" {
			telemetry.SignupsTotal.WithLabelValues(telemetry.OutcomeInvalid).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}

		if retryAfter, ok := h.throttled(ctx, ip); !ok {
			telemetry.SignupsTotal.WithLabelValues(telemetry.OutcomeRateLimited).Inc()
			slog.Info("signup throttled", "ip", ip, "retry_after", retryAfter)
			TooManyAttempts(c, retryAfter)
			return
		}

		if err := h.limiter.Record(ctx, ip); err != nil {
			slog.Error("failed to record signup attempt", "ip", ip, "error", err)
		}

		signup := &models.Signup{Name: &name, Email: normalizeEmail(addr)}
		if err := h.store.CreateSignup(ctx, signup); err != nil {
			if errors.Is(err, repositories.ErrDuplicateEmail) {
				telemetry.SignupsTotal.WithLabelValues(telemetry.OutcomeDuplicate).Inc()
				c.JSON(http.StatusConflict, gin.H{"error": MsgDuplicateEmail})
				return
			}
			telemetry.SignupsTotal.WithLabelValues(telemetry.OutcomeError).Inc()
			slog.Error("failed to insert signup", "email", signup.Email, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": MsgInternalError})
			return
		}

		telemetry.SignupsTotal.WithLabelValues(telemetry.OutcomeCreated).Inc()
		slog.Info("signup created", "id", signup.ID, "email", signup.Email)

		sent := h.sendWelcome(ctx, name, signup.Email)

		c.JSON(http.StatusCreated, SignupResponse{
			Message: MsgCreated,
			Data: SignupData{
				ID:        signup.ID,
				Email:     signup.Email,
				Name:      signup.Name,
				CreatedAt: signup.CreatedAt,
			},
			EmailSent: sent,
		})
	}
}

// TooManyAttempts writes the 429 response shared by the attempt limiter and the
// request throttle.
func TooManyAttempts(c *gin.Context, retryAfter int) {
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":      MsgTooManyAttempts,
		"retryAfter": retryAfter,
	})
}

// WithThrottle adds a coarse per-IP throttle charged for validated submissions only.
func (h *Handler) WithThrottle(t ratelimit.Throttle) *Handler {
	h.throttle = t
	return h
}

// throttled charges one submission from ip against the throttle. It reports the retry
// hint in whole seconds and false when the budget is spent. Throttle errors let the
// submission through.
func (h *Handler) throttled(ctx context.Context, ip string) (int, bool) {
	if h.throttle == nil {
		return 0, true
	}
	allowed, retryAfter, err := h.throttle.Allow(ctx, ip)
	if err != nil {
		slog.Warn("request throttle unavailable, allowing request", "ip", ip, "error", err)
		return 0, true
	}
	if allowed {
		return 0, true
	}
	return max(1, int(math.Ceil(retryAfter.Seconds()))), false
}

// decodeSignup parses the body as exactly one JSON value. Trailing data after the
// object is rejected.
func decodeSignup(c *gin.Context, req *signupRequest) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, req)
}

// validate checks email presence, then email shape, then name presence, and returns
// the trimmed name and email. msg is the client error, empty when the request is valid.
func validate(req signupRequest) (name, addr, msg string) {
	if req.Email != nil {
		addr = strings.TrimSpace(*req.Email)
	}
	if addr == "" {
		return "", "", MsgEmailRequired
	}
	if !emailPattern.MatchString(addr) {
		return "", "", MsgInvalidEmail
	}
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
	}
	if name == "" {
		return "", "", MsgNameRequired
	}
	return name, addr, ""
}

func normalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// sendWelcome delivers the welcome email and reports whether it went out. The signup is
// already stored, so the send outlives a client disconnect and any failure, panics
// included, only turns into a false result.
func (h *Handler) sendWelcome(ctx context.Context, name, to string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.emailTimeout)
	defer cancel()

	var err error
	if !safego.Run("welcome-email", func() { err = h.sender.SendWelcome(ctx, name, to) }) {
		err = errors.New("welcome email sender panicked")
	}

	switch {
	case err == nil:
		telemetry.WelcomeEmailsTotal.WithLabelValues("sent").Inc()
		return true
	case errors.Is(err, email.ErrNotConfigured):
		telemetry.WelcomeEmailsTotal.WithLabelValues("not_configured").Inc()
	default:
		telemetry.WelcomeEmailsTotal.WithLabelValues("failed").Inc()
	}
	slog.Warn("failed to send welcome email, signup kept", "email", to, "error", err)
	return false
}
