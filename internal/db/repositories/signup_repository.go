// signup_repository.go implements SignupRepository, the persistence layer for waitlist
// signups. Email uniqueness is enforced by the waitlist_email_key constraint and surfaced
// to callers as ErrDuplicateEmail.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/customergpt/waitlist/internal/db/models"
)

// ErrDuplicateEmail is returned by CreateSignup when the email is already on the waitlist.
var ErrDuplicateEmail = errors.New("email already registered")

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// SignupRepository handles waitlist database operations
type SignupRepository struct {
	db *sqlx.DB
}

// NewSignupRepository creates a new SignupRepository
func NewSignupRepository(db *sqlx.DB) *SignupRepository {
	return &SignupRepository{db: db}
}

// CreateSignup inserts a signup, assigning its ID and CreatedAt.
func (r *SignupRepository) CreateSignup(ctx context.Context, signup *models.Signup) error {
	signup.ID = uuid.New().String()
	signup.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	query := `
		INSERT INTO waitlist (id, name, email, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.ExecContext(ctx, query, signup.ID, signup.Name, signup.Email, signup.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("insert signup: %w", err)
	}
	return nil
}

// GetSignupByEmail retrieves a signup by its stored (normalized) email.
// Returns nil, nil when no signup exists.
func (r *SignupRepository) GetSignupByEmail(ctx context.Context, email string) (*models.Signup, error) {
	query := `
		SELECT id, name, email, created_at
		FROM waitlist
		WHERE email = $1
	`

	var signup models.Signup
	err := r.db.GetContext(ctx, &signup, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &signup, nil
}

// CountSignups returns the number of signups on the waitlist.
func (r *SignupRepository) CountSignups(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM waitlist`); err != nil {
		return 0, err
	}
	return count, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
