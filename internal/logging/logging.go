// Package logging configures the process-wide zerolog logger, replacing
// the teacher's bare log.Printf calls (services/facilitator's
// internal/server/middleware.go LoggingMiddleware and cmd/facilitator's
// log.Printf/log.Fatalf) with structured, leveled logging.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. environment "APP" gets JSON
// output suited to log aggregation; anything else (including "TEST") gets
// zerolog's human-readable console writer.
func Init(environment string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var w zerolog.ConsoleWriter = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logger := zerolog.New(w).With().Timestamp().Logger()

	if environment == "APP" {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	zerolog.DefaultContextLogger = &logger
	log.Logger = logger
	return logger
}
