package app

import (
	"io"
	"log/slog"
)

// newLogger builds the process logger without touching the slog default, so
// tests and embedded runs keep isolated instances. Output is JSON unless text
// is asked for explicitly; run logs are normally collected by machines, not
// watched on a terminal.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if formatStr == "text" {
		return slog.New(slog.NewTextHandler(outW, opts))
	}
	return slog.New(slog.NewJSONHandler(outW, opts))
}
