// Package api wires together the HTTP routes of the waitlist service.
//
// The signup route is public and browser-facing, so it carries the wildcard CORS
// headers on every response, including rate-limited ones. The operational
// routes (/health, /ready, /version) are meant for load balancers and orchestrators.
// Prometheus metrics are not served here; cmd/server exposes them on a side port.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/customergpt/waitlist/internal/api/waitlist"
	"github.com/customergpt/waitlist/internal/config"
	"github.com/customergpt/waitlist/internal/db"
	"github.com/customergpt/waitlist/internal/db/repositories"
	"github.com/customergpt/waitlist/internal/email"
	"github.com/customergpt/waitlist/internal/jobs"
	"github.com/customergpt/waitlist/internal/middleware"
	"github.com/customergpt/waitlist/internal/ratelimit"
	"github.com/customergpt/waitlist/internal/safego"
)

// Version is the service version reported by /version and the version subcommand.
const Version = "0.1.0"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	attemptPruner *jobs.AttemptPruner
	throttles     []*ratelimit.TokenBucket
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.attemptPruner != nil {
		bg.attemptPruner.Stop()
	}
	for _, t := range bg.throttles {
		t.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. rdb may be nil when Redis is not
// configured; the redis rate-limit backend then fails config validation upstream.
func NewRouter(cfg *config.Config, database *sql.DB, rdb *redis.Client) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()
	bg := &BackgroundServices{}

	sqlxDB := db.Wrap(database)
	signupRepo := repositories.NewSignupRepository(sqlxDB)
	attemptRepo := repositories.NewRateLimitAttemptRepository(sqlxDB)

	limiter, err := newLimiter(cfg, attemptRepo, rdb)
	if err != nil {
		return nil, nil, err
	}

	sender, err := email.NewSender(&cfg.Email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize email sender: %w", err)
	}
	slog.Info("welcome email provider configured", "provider", cfg.Email.Provider)

	if cfg.RateLimit.Backend == "postgres" {
		pruner := jobs.NewAttemptPruner(attemptRepo, cfg.RateLimit.Prune)
		safego.Go("attempt-pruner", func() { pruner.Start(context.Background()) })
		bg.attemptPruner = pruner
	}

	// Global middleware
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		slog.Error("panic recovered", "path", c.Request.URL.Path, "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": waitlist.MsgInternalError})
	}))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(waitlist.ClientIP, "/health", "/ready"))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	// Operational endpoints
	router.GET("/health", healthCheckHandler(database))
	router.GET("/ready", readinessHandler(database, rdb))
	router.GET("/version", versionHandler())

	handler := waitlist.NewHandler(signupRepo, limiter, sender, cfg.Email.Timeout)
	if cfg.Throttle.Enabled {
		throttleCfg := ratelimit.DefaultThrottleConfig()
		throttleCfg.RequestsPerMinute = cfg.Throttle.RequestsPerMinute
		throttleCfg.Burst = cfg.Throttle.Burst

		if rdb != nil {
			handler.WithThrottle(ratelimit.NewRedisThrottle(rdb, throttleCfg))
		} else {
			tb := ratelimit.NewTokenBucket(throttleCfg)
			bg.throttles = append(bg.throttles, tb)
			handler.WithThrottle(tb)
		}
	}

	router.Any(cfg.Server.SignupPath, waitlist.CORSMiddleware(), handler.SignupHandler())

	return router, bg, nil
}

// newLimiter selects the attempt limiter backend.
func newLimiter(cfg *config.Config, attempts ratelimit.AttemptStore, rdb *redis.Client) (ratelimit.Limiter, error) {
	limits := ratelimit.Config{
		MaxAttempts: cfg.RateLimit.MaxAttempts,
		Window:      cfg.RateLimit.Window,
		Endpoint:    cfg.RateLimit.Endpoint,
	}

	switch cfg.RateLimit.Backend {
	case "postgres":
		return ratelimit.NewWindowLimiter(attempts, limits), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("ratelimit backend %q requires a redis connection", cfg.RateLimit.Backend)
		}
		return ratelimit.NewRedisLimiter(rdb, limits), nil
	default:
		return nil, fmt.Errorf("unknown ratelimit backend: %s", cfg.RateLimit.Backend)
	}
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler(database *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks Redis when it is configured,
// since the limiter and throttle depend on it.
func readinessHandler(database *sql.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		ctx := c.Request.Context()

		if err := database.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the service version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version": Version,
			"service": "waitlist",
		})
	}
}
