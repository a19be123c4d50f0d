package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ClientIPFunc extracts the client address recorded in request logs.
type ClientIPFunc func(r *http.Request) string

// LoggerMiddleware emits one structured "http request" record per request. Server
// errors log at error level, client errors at warn, the rest at info. clientIP should
// be the same extraction the rate limiter keys on; nil falls back to gin's ClientIP.
// Paths in skip (health probes) are not logged.
func LoggerMiddleware(clientIP ClientIPFunc, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if _, ok := skipped[path]; ok {
			return
		}

		ip := c.ClientIP()
		if clientIP != nil {
			ip = clientIP(c.Request)
		}

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"ip", ip,
			"request_id", c.GetString(RequestIDKey),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		slog.Log(c.Request.Context(), level, "http request", attrs...)
	}
}
