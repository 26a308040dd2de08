// Package logging constructs the structured logger shared by every
// component, following the teacher's NewLogger convention: zerolog, JSON by
// default, human-readable console writer for local development.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|text|pretty
}

// New builds a zerolog.Logger configured per Options. Unknown levels fall
// back to info; unknown formats fall back to JSON.
func New(opts Options) zerolog.Logger {
	var out io.Writer = os.Stdout

	switch opts.Format {
	case "pretty", "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	default:
		out = os.Stdout
	}

	level := parseLevel(opts.Level)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	return zerolog.New(out).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
