// Package logging builds the zerolog loggers shared by every component.
//
// Components take a zerolog.Logger in their constructor and derive a child
// with Module; tests pass zerolog.Nop().
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Config selects the log level and output format.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// New returns a root logger writing to stderr.
func New(cfg Config) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a root logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.ErrorFieldName = "err"

	out := w
	if strings.ToLower(cfg.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}
	SetLevel(cfg.Level)
	return zerolog.New(out).With().Timestamp().Logger()
}

// Module derives a component logger.
func Module(log zerolog.Logger, module string) zerolog.Logger {
	return log.With().Str("module", module).Logger()
}

// SetLevel changes the process-wide minimum level. Used at startup and on
// config reload.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel converts a level string. Defaults to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
