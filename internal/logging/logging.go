// Package logging builds the process logger. Components receive a
// *slog.Logger and never a concrete backend.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

type Config struct {
	Level      string
	JSON       bool
	Output     io.Writer
	TimeFormat string
}

func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	format := cfg.TimeFormat
	if format == "" {
		format = "2006-01-02 15:04:05"
	}
	handler := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      format,
		Level:           ParseLevel(cfg.Level),
	})
	if cfg.JSON {
		handler.SetFormatter(charmlog.JSONFormatter)
	} else {
		handler.SetFormatter(charmlog.TextFormatter)
	}
	return slog.New(handler)
}

// Discard is for tests and for commands that must stay quiet.
func Discard() *slog.Logger {
	return New(Config{Output: io.Discard, Level: "error"})
}

// ParseLevel falls back to info for unknown names.
func ParseLevel(name string) charmlog.Level {
	lvl, err := charmlog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return charmlog.InfoLevel
	}
	return lvl
}

// Component tags every record with the emitting component.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With("component", name)
}
