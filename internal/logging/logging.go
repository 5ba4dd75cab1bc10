// Package logging holds the process-wide zerolog logger. Components take a
// tagged child with Component; the level stays global so a config reload
// reaches loggers that were handed out before it.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

// Level is a zerolog level.
type Level = zerolog.Level

// Config selects level, sink and format for Init.
type Config struct {
	Level  Level
	Output io.Writer // nil means stderr
	Pretty bool      // console output instead of JSON
}

// DefaultConfig logs JSON at info to stderr.
func DefaultConfig() Config {
	return Config{Level: zerolog.InfoLevel, Output: os.Stderr}
}

// Init replaces the process logger.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(cfg.Level)
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	root = zerolog.New(out).With().Timestamp().Logger()
}

// SetLevel is applied on config reload.
func SetLevel(level Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel reads a config or flag value. Anything unrecognised is info.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

// Component returns a child logger tagged with name.
func Component(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

func Debug() *zerolog.Event { return root.Debug() }
func Info() *zerolog.Event  { return root.Info() }
func Warn() *zerolog.Event  { return root.Warn() }
func Error() *zerolog.Event { return root.Error() }

// Fatal exits the process once the event is sent.
func Fatal() *zerolog.Event { return root.Fatal() }

func init() {
	Init(DefaultConfig())
}
