package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the service logger. Development gets a human-readable console
// writer; every other environment logs JSON lines.
func New(env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := zerolog.InfoLevel
	if env == "development" {
		level = zerolog.DebugLevel
	}

	if env == "production" {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "traffic-enforcement").Logger()
	}

	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
