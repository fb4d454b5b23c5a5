package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/usagesim/pkg/config"
)

// NewLogger creates a zerolog.Logger writing to stderr, so stdout stays free
// for command output and the MCP transport.
func NewLogger(cfg config.LogConfig) zerolog.Logger {
	return New(os.Stderr, cfg)
}

// New creates a logger writing to w. Format "console" renders human-readable
// lines; anything else emits JSON. Unknown levels fall back to info.
func New(w io.Writer, cfg config.LogConfig) zerolog.Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(w).With().Timestamp().Str("service", "usagesim").Logger()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
