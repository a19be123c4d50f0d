// Package main is a diagnostic tool for testing database connectivity and
// inspecting live waitlist data. It loads the same configuration as the server,
// connects to the database and prints the schema version, the number of signups
// and the number of rate limit counters still inside the window. The binary exits
// with a non-zero code on any failure so it can gate deployments on a reachable,
// migrated database.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/customergpt/waitlist/internal/config"
	"github.com/customergpt/waitlist/internal/db"
	"github.com/customergpt/waitlist/internal/db/repositories"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Printf("Connecting to %s\n", cfg.Database.MaskedDSN())
	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("Schema version: %d (dirty: %v)\n", version, dirty)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sqlxDB := db.Wrap(database)

	fmt.Println("\n=== WAITLIST ===")
	signups, err := repositories.NewSignupRepository(sqlxDB).CountSignups(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Printf("Signups: %d\n", signups)

	fmt.Println("\n=== RATE LIMIT ATTEMPTS ===")
	since := time.Now().Add(-cfg.RateLimit.Window)
	active, err := repositories.NewRateLimitAttemptRepository(sqlxDB).CountActiveAttempts(ctx, since)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Printf("Active counters (last %s): %d\n", cfg.RateLimit.Window, active)
}
