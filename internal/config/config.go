// Package config loads and validates the waitlist service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the WAITLIST_ prefix (e.g.,
// WAITLIST_DATABASE_HOST overrides database.host in the YAML). A .env file in the
// working directory is loaded into the process environment first, so local
// development can keep secrets out of config.yaml.
//
// DATABASE_URL and RESEND_API_KEY are also honoured without the prefix because
// hosting platforms inject them under those generic names.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Email     EmailConfig     `mapstructure:"email"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	SignupPath   string        `mapstructure:"signup_path"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration.
// When URL is set it wins over the discrete host/port/user fields.
type DatabaseConfig struct {
	URL                string `mapstructure:"url"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the optional Redis connection used by the redis rate-limit
// backend and the shared request throttle. An empty URL disables Redis.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Enabled reports whether a Redis URL has been configured.
func (r *RedisConfig) Enabled() bool {
	return r.URL != ""
}

// RateLimitConfig controls the per-IP signup attempt limiter.
type RateLimitConfig struct {
	// Backend is "postgres" (attempts table) or "redis".
	Backend string `mapstructure:"backend"`
	// MaxAttempts is how many recorded attempts an IP may make inside Window.
	MaxAttempts int `mapstructure:"max_attempts"`
	// Window is the sliding lookback measured against last_attempt_at.
	Window time.Duration `mapstructure:"window"`
	// Endpoint labels attempt rows so several endpoints can share the table.
	Endpoint string             `mapstructure:"endpoint"`
	Prune    AttemptPruneConfig `mapstructure:"prune"`
}

// AttemptPruneConfig configures the optional job that deletes stale attempt rows.
// It is off by default; no retention policy is applied unless an operator opts in.
type AttemptPruneConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Retention time.Duration `mapstructure:"retention"`
	Interval  time.Duration `mapstructure:"interval"`
}

// ThrottleConfig holds the coarse per-IP request throttle applied in front of the
// signup handler.
type ThrottleConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// EmailConfig holds settings for the welcome email
type EmailConfig struct {
	// Provider is "resend", "smtp" or "disabled".
	Provider string        `mapstructure:"provider"`
	From     string        `mapstructure:"from"`
	Subject  string        `mapstructure:"subject"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Resend   ResendConfig  `mapstructure:"resend"`
	SMTP     SMTPConfig    `mapstructure:"smtp"`
}

// ResendConfig holds credentials for the Resend transactional email API
type ResendConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// SMTPConfig holds outbound mail server configuration
type SMTPConfig struct {
	// Host is the SMTP server hostname (e.g. smtp.sendgrid.net)
	Host string `mapstructure:"host"`
	// Port is the SMTP server port (587 for STARTTLS, 465 for SMTPS, 25 for plain)
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// UseTLS enables implicit TLS with a STARTTLS fallback; false = plain SMTP without upgrade
	UseTLS bool `mapstructure:"use_tls"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	TLS TLSConfig `mapstructure:"tls"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.signup_path",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.url",
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.url",
		"redis.password",
		"redis.db",
		"redis.pool_size",

		// Rate limiting
		"ratelimit.backend",
		"ratelimit.max_attempts",
		"ratelimit.window",
		"ratelimit.endpoint",
		"ratelimit.prune.enabled",
		"ratelimit.prune.retention",
		"ratelimit.prune.interval",

		// Throttle
		"throttle.enabled",
		"throttle.requests_per_minute",
		"throttle.burst",

		// Email
		"email.provider",
		"email.from",
		"email.subject",
		"email.timeout",
		"email.resend.api_key",
		"email.resend.base_url",
		"email.smtp.host",
		"email.smtp.port",
		"email.smtp.username",
		"email.smtp.password",
		"email.smtp.use_tls",

		// Security
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}

	// Unprefixed aliases used by hosting platforms.
	if err := v.BindEnv("database.url", "WAITLIST_DATABASE_URL", "DATABASE_URL"); err != nil {
		return fmt.Errorf("failed to bind env var %q: %w", "database.url", err)
	}
	if err := v.BindEnv("email.resend.api_key", "WAITLIST_EMAIL_RESEND_API_KEY", "RESEND_API_KEY"); err != nil {
		return fmt.Errorf("failed to bind env var %q: %w", "email.resend.api_key", err)
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	loadDotenv()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/waitlist")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("WAITLIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.URL = expandEnv(cfg.Database.URL)
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Email.Resend.APIKey = expandEnv(cfg.Email.Resend.APIKey)
	cfg.Email.SMTP.Password = expandEnv(cfg.Email.SMTP.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadDotenv loads a .env file into the process environment when one exists.
// Variables already set in the environment are not overridden.
func loadDotenv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file", "error", err)
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.signup_path", "/waitlist-signup")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "waitlist")
	v.SetDefault("database.user", "waitlist")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_idle_connections", 2)

	// Redis defaults
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	// Rate limit defaults
	v.SetDefault("ratelimit.backend", "postgres")
	v.SetDefault("ratelimit.max_attempts", 5)
	v.SetDefault("ratelimit.window", "10m")
	v.SetDefault("ratelimit.endpoint", "waitlist")
	v.SetDefault("ratelimit.prune.enabled", false)
	v.SetDefault("ratelimit.prune.retention", "24h")
	v.SetDefault("ratelimit.prune.interval", "1h")

	// Throttle defaults
	v.SetDefault("throttle.enabled", true)
	v.SetDefault("throttle.requests_per_minute", 60)
	v.SetDefault("throttle.burst", 10)

	// Email defaults
	v.SetDefault("email.provider", "resend")
	v.SetDefault("email.from", "CustomerGPT <welcome@news.customergpt.pro>")
	v.SetDefault("email.subject", "Welcome to CustomerGPT waitlist! 🎉")
	v.SetDefault("email.timeout", "10s")
	v.SetDefault("email.resend.base_url", "https://api.resend.com")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)

	// Security defaults
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "waitlist")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.SignupPath, "/") {
		return fmt.Errorf("server.signup_path must start with '/': %q", c.Server.SignupPath)
	}

	if c.Database.URL != "" {
		if _, err := url.Parse(c.Database.URL); err != nil {
			return fmt.Errorf("invalid database.url: %w", err)
		}
	} else {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	}

	switch c.RateLimit.Backend {
	case "postgres":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("redis.url is required when ratelimit.backend is redis")
		}
	default:
		return fmt.Errorf("invalid ratelimit backend: %s (must be postgres or redis)", c.RateLimit.Backend)
	}
	if c.RateLimit.MaxAttempts < 1 {
		return fmt.Errorf("ratelimit.max_attempts must be positive, got %d", c.RateLimit.MaxAttempts)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive, got %s", c.RateLimit.Window)
	}
	if c.RateLimit.Endpoint == "" {
		return fmt.Errorf("ratelimit.endpoint is required")
	}
	if c.RateLimit.Prune.Enabled {
		if c.RateLimit.Prune.Retention < c.RateLimit.Window {
			return fmt.Errorf("ratelimit.prune.retention (%s) must be at least ratelimit.window (%s)",
				c.RateLimit.Prune.Retention, c.RateLimit.Window)
		}
		if c.RateLimit.Prune.Interval <= 0 {
			return fmt.Errorf("ratelimit.prune.interval must be positive")
		}
	}

	if c.Throttle.Enabled {
		if c.Throttle.RequestsPerMinute < 1 {
			return fmt.Errorf("throttle.requests_per_minute must be positive")
		}
		if c.Throttle.Burst < 1 {
			return fmt.Errorf("throttle.burst must be positive")
		}
	}

	validProviders := map[string]bool{"resend": true, "smtp": true, "disabled": true}
	if !validProviders[c.Email.Provider] {
		return fmt.Errorf("invalid email provider: %s (must be resend, smtp, or disabled)", c.Email.Provider)
	}
	if c.Email.Provider != "disabled" && c.Email.From == "" {
		return fmt.Errorf("email.from is required when email is enabled")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string. A configured URL is returned
// as-is, with the password filled in from database.password when the URL has none.
func (c *DatabaseConfig) GetDSN() string {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || c.Password == "" || u.User == nil {
			return c.URL
		}
		if _, hasPassword := u.User.Password(); hasPassword {
			return c.URL
		}
		u.User = url.UserPassword(u.User.Username(), c.Password)
		return u.String()
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// MaskedDSN returns GetDSN with any password replaced, for logging.
func (c *DatabaseConfig) MaskedDSN() string {
	if c.URL != "" {
		u, err := url.Parse(c.GetDSN())
		if err != nil {
			return "<unparseable database url>"
		}
		return u.Redacted()
	}
	masked := *c
	if masked.Password != "" {
		masked.Password = "****"
	}
	return masked.GetDSN()
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
