// rate_limit_attempt_repository.go implements RateLimitAttemptRepository, which stores
// per-IP attempt counters for the signup rate limiter. A counter row stays live while
// its last_attempt_at is inside the caller's window; once it ages out, the next attempt
// starts a new row.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/customergpt/waitlist/internal/db/models"
)

// RateLimitAttemptRepository handles rate_limit_attempts database operations
type RateLimitAttemptRepository struct {
	db *sqlx.DB
}

// NewRateLimitAttemptRepository creates a new RateLimitAttemptRepository
func NewRateLimitAttemptRepository(db *sqlx.DB) *RateLimitAttemptRepository {
	return &RateLimitAttemptRepository{db: db}
}

// FindActiveAttempt returns the most recent counter for (ip, endpoint) whose
// last_attempt_at is at or after since. Returns nil, nil when none is live.
func (r *RateLimitAttemptRepository) FindActiveAttempt(ctx context.Context, ip, endpoint string, since time.Time) (*models.RateLimitAttempt, error) {
	query := `
		SELECT id, ip_address, endpoint, attempts, first_attempt_at, last_attempt_at
		FROM rate_limit_attempts
		WHERE ip_address = $1 AND endpoint = $2 AND last_attempt_at >= $3
		ORDER BY last_attempt_at DESC
		LIMIT 1
	`

	var attempt models.RateLimitAttempt
	err := r.db.GetContext(ctx, &attempt, query, ip, endpoint, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// RecordAttempt increments the live counter for (ip, endpoint) or starts a new one.
// The find-or-create runs in one transaction holding a per-key advisory lock, so
// concurrent requests from the same IP cannot both insert or lose an increment.
func (r *RateLimitAttemptRepository) RecordAttempt(ctx context.Context, ip, endpoint string, now, since time.Time) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attempt transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ip+"|"+endpoint); err != nil {
		return fmt.Errorf("lock attempt counter: %w", err)
	}

	var id string
	err = tx.GetContext(ctx, &id, `
		SELECT id
		FROM rate_limit_attempts
		WHERE ip_address = $1 AND endpoint = $2 AND last_attempt_at >= $3
		ORDER BY last_attempt_at DESC
		LIMIT 1
	`, ip, endpoint, since)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_limit_attempts (id, ip_address, endpoint, attempts, first_attempt_at, last_attempt_at)
			VALUES ($1, $2, $3, 1, $4, $4)
		`, uuid.New().String(), ip, endpoint, now)
		if err != nil {
			return fmt.Errorf("insert attempt counter: %w", err)
		}
	case err != nil:
		return fmt.Errorf("find attempt counter: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE rate_limit_attempts
			SET attempts = attempts + 1, last_attempt_at = $2
			WHERE id = $1
		`, id, now)
		if err != nil {
			return fmt.Errorf("increment attempt counter: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit attempt transaction: %w", err)
	}
	return nil
}

// CountActiveAttempts returns how many counters are still inside the window.
func (r *RateLimitAttemptRepository) CountActiveAttempts(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM rate_limit_attempts WHERE last_attempt_at >= $1`, since)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteStaleAttempts removes counters whose last attempt is older than before.
func (r *RateLimitAttemptRepository) DeleteStaleAttempts(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_attempts WHERE last_attempt_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
