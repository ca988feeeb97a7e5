// Package logging builds the process-wide zerolog root logger. Components
// derive their own with With().Str("component", ...).
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"bybit-market-scanner/config"
)

// New builds the root logger: JSON to stderr when configured for machines,
// a console writer otherwise. Unknown level strings fall back to info.
func New(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.JSONFormat {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
