// Package logging constructs the process-wide zerolog.Logger.
package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/config"
)

// New builds a logger: a human-readable console writer in development,
// structured JSON otherwise, level set from LOG_LEVEL or the Env field.
func New(cfg *config.Config) zerolog.Logger {
	var out zerolog.ConsoleWriter
	var logger zerolog.Logger

	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	if cfg.LogLevel != "" {
		if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			lvl = parsed
		}
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return logger
}
