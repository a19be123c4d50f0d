// Package main is a smoke-test utility that verifies a deployed waitlist service is
// reachable. It checks /health, then sends a CORS preflight to the signup endpoint
// and expects 200 with a wildcard Access-Control-Allow-Origin. It never POSTs, so
// it neither creates signups nor consumes rate limit budget. The base URL comes
// from the first argument or WAITLIST_SMOKE_URL (default http://localhost:8080).
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	base := "http://localhost:8080"
	if v := os.Getenv("WAITLIST_SMOKE_URL"); v != "" {
		base = v
	}
	if len(os.Args) > 1 {
		base = os.Args[1]
	}
	base = strings.TrimSuffix(base, "/")

	client := &http.Client{Timeout: 10 * time.Second}
	failed := false

	if err := check(client, http.MethodGet, base+"/health", nil); err != nil {
		fmt.Printf("FAIL health: %v\n", err)
		failed = true
	}

	preflight := func(resp *http.Response) error {
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			return fmt.Errorf("Access-Control-Allow-Origin = %q, want *", got)
		}
		return nil
	}
	if err := check(client, http.MethodOptions, base+"/waitlist-signup", preflight); err != nil {
		fmt.Printf("FAIL preflight: %v\n", err)
		failed = true
	}

	if failed {
		os.Exit(1)
	}
	fmt.Println("OK")
}

func check(client *http.Client, method, url string, extra func(*http.Response) error) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	fmt.Printf("%s %s -> %d %s\n", method, url, resp.StatusCode, strings.TrimSpace(string(body)))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if extra != nil {
		return extra(resp)
	}
	return nil
}
