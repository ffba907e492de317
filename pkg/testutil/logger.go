// Package testutil holds shared test helpers: a quiet logger and a
// PostgreSQL testcontainer.
package testutil

import (
	"log/slog"
	"os"
)

// NewLogger returns a test logger. Set DEBUG=1 for info logs, DEBUG=2 for
// debug logs; errors always show.
func NewLogger() *slog.Logger {
	debugLevel := os.Getenv("DEBUG")
	var level slog.Level
	switch debugLevel {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
