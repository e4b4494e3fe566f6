// Package logging builds the zerolog.Logger the rest of the supervisor is
// handed at startup. Every other package takes a logger explicitly rather
// than reaching for a global.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls the root logger's level and encoding.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Pretty enables the human-readable console writer instead of JSON,
	// useful for single-user mode and interactive CLI invocations.
	Pretty bool
	Output io.Writer
}

// New builds the root logger. Callers attach a "component" field via
// With().Str("component", name).Logger() before handing the logger to a
// package, matching the supervisor's one-process-many-subsystems shape.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	level := parseLevel(cfg.Level)
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with the given component name,
// the idiom used throughout internal/* instead of log.SetPrefix.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
