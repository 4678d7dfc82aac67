package broker

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects the verbosity and encoding of the process logger.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// NewLogger builds the broker's structured logger. JSON output is meant
// for production log shipping; console output is for local development.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	return logger.With().Timestamp().Caller().Str("service", "zaichik-broker").Logger()
}
