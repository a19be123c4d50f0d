package models

import "time"

// RateLimitAttempt counts attempts from one IP against one endpoint. A row is
// considered live while LastAttemptAt falls inside the limiter's window.
type RateLimitAttempt struct {
	ID             string    `db:"id"`
	IPAddress      string    `db:"ip_address"`
	Endpoint       string    `db:"endpoint"`
	Attempts       int       `db:"attempts"`
	FirstAttemptAt time.Time `db:"first_attempt_at"`
	LastAttemptAt  time.Time `db:"last_attempt_at"`
}
