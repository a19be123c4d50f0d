package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configured level name ("debug", "info", "warn"/"warning", "error",
// case-insensitive) to a slog.Level. Unknown names resolve to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newHandler builds the handler SetupLogger installs. format "json" selects the
// JSONHandler; anything else the TextHandler. Source locations are only recorded at
// debug level. A non-empty service is attached to every record.
func newHandler(w io.Writer, format, level, service string) slog.Handler {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", service)})
	}
	return handler
}

// SetupLogger configures the global slog default logger from the logging section of the
// configuration and returns it.
//
// The configured logger is installed as the default so slog.Info/Warn/Error calls in the
// handlers, limiter and jobs use it without carrying a *slog.Logger around.
func SetupLogger(format, level, service string) *slog.Logger {
	logger := slog.New(newHandler(os.Stdout, format, level, service))
	slog.SetDefault(logger)
	logger.Info("logger initialised", "format", format, "level", ParseLevel(level).String())
	return logger
}
