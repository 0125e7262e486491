package engine

import (
	"os"

	"github.com/rs/zerolog"
)

// newNopLogger is the default attached to an Engine built with NewEngine,
// so library consumers opt into logging rather than getting it for free.
func newNopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// NewConsoleLogger is a convenience constructor for hosts that want
// human-readable output during development instead of wiring their own
// zerolog.Logger.
func NewConsoleLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func parseLogLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
