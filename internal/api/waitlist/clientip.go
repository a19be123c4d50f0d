package waitlist

import (
	"net/http"
	"strings"
)

// UnknownIP is the rate limit key used when no client address header is present.
const UnknownIP = "unknown"

// ClientIP returns the first X-Forwarded-For entry, else X-Real-IP, else UnknownIP.
// The service is expected to sit behind a proxy that sets these headers.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return UnknownIP
}
