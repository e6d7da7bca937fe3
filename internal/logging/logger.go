package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at info level, development uses
// human-readable text at debug level. A non-empty level overrides the
// environment default.
func NewLogger(env, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env != "production" {
		opts.Level = slog.LevelDebug
	}

	if lvl, ok := ParseLevel(level); ok {
		opts.Level = lvl
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a LOG_LEVEL string into a slog level. Unknown or
// empty strings report false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
