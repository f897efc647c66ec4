package runtime

import (
	"log/slog"
	"os"
)

// newLogger builds a slog.Logger from cfg, adapting
// KartikBazzad-bunbase/pkg/logger's Config{Level,Format,AddSource} shape
// to be instance-scoped rather than a sync.Once global: a Runtime is
// itself the one process-wide singleton the host constructs (Design
// Notes), so one logger per Runtime is enough and there is no need for
// package-level global state here.
func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.LogAddSource,
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
