// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"

	"codeberg.org/oliverandrich/recovery-service/internal/config"
)

// SetupLogger configures the global slog logger.
func SetupLogger(cfg config.LogConfig) {
	slog.SetDefault(newLogger(os.Stdout, cfg))
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
	} else {
		handler = tint.NewHandler(w, &tint.Options{Level: parseLevel(cfg.Level)})
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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
