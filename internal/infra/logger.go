package infra

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging type shared across packages.
type Logger = zerolog.Logger

// NewLogger builds the service logger from cfg. LOG_FORMAT selects "json"
// or "console"; development defaults to console at debug level.
func NewLogger(cfg *Config) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, out io.Writer) zerolog.Logger {
	dev := cfg.AppEnv == "development"

	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && cfg.LogLevel != "" {
		level = parsed
	}

	format := strings.ToLower(cfg.LogFormat)
	if format == "" && dev {
		format = "console"
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "ogimage").
		Str("env", cfg.AppEnv).
		Logger()
}
