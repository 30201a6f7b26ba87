package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the process-wide structured logger. Output is JSON
// on stdout so log shippers need no parsing configuration; every line
// carries the service tag for multi-service aggregation.
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h).With("service", "dispatch")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
