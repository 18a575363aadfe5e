// Package logging configures the process-wide zerolog logger.
//
// The proxy logs as JSON to stderr by default. Components derive
// their loggers via Component, which tags every event with the
// component name; the fields used across the proxy are:
//
//	key          cache key involved in a failed operation
//	url          canonical upstream URL
//	status       origin HTTP status
//	reason       admission rejection reason
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger and returns it. level is a
// zerolog level string (debug, info, warn, error); anything
// unparseable falls back to info. pretty switches the JSON stream to
// console output. A nil output means stderr.
func Init(level string, pretty bool, output io.Writer) zerolog.Logger {
	if output == nil {
		output = os.Stderr
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	w := output
	if pretty {
		w = zerolog.ConsoleWriter{Out: output}
	}

	log.Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return log.Logger
}

// Component derives a logger from the global one, tagged with the
// proxy component emitting it (proxy, cache).
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
