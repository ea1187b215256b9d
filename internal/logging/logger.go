package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates a JSON slog logger at the given level, tagged with the app name
// and environment. An unknown level falls back to info.
func New(level, app, env string) *slog.Logger {
	return newWithWriter(os.Stdout, level, app, env)
}

func newWithWriter(w io.Writer, level, app, env string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	if app != "" {
		logger = logger.With(slog.String("app", app))
	}
	if env != "" {
		logger = logger.With(slog.String("env", env))
	}
	return logger
}

// Discard returns a logger that drops all output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
