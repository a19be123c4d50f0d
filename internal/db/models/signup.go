// Package models defines the database model types for the waitlist service.
// Each type corresponds to a table and carries db tags for sqlx row scanning.
// Models are pure data types; query logic belongs in the repositories package.
package models

import "time"

// Signup is one row of the waitlist table.
type Signup struct {
	ID        string    `db:"id"`
	Name      *string   `db:"name"`  // Optional at the schema level
	Email     string    `db:"email"` // Lowercased and trimmed before insert; unique
	CreatedAt time.Time `db:"created_at"`
}
