package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns the gateway's JSON logger writing to stdout.
// Debug mode lowers the level to Debug; otherwise Info.
func New(debug bool) *slog.Logger {
	return NewWithWriter(os.Stdout, debug)
}

// NewWithWriter is New with a caller-supplied writer.
func NewWithWriter(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Discard returns a logger that drops everything. Used by tests and CLI subcommands.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// TokenSuffix returns the last 4 characters of a token so log lines never carry a usable credential.
func TokenSuffix(token string) string {
	if len(token) > 4 {
		return token[len(token)-4:]
	}
	return token
}
