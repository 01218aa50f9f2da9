// Package logging builds the process-wide slog logger used by Atrium SDK
// binaries. Library packages accept a *slog.Logger and never construct one.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger with an explicit log level and
// output format ("json", "pretty", or "text"). The result is also installed
// as the slog default.
func NewLogger(level, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pretty":
		h = newPrettyHandler(os.Stderr, opts, true)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		opts.AddSource = true
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
