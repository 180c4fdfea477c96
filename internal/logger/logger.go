/*

This file contains the logging setup. The keeper is a long-running service,
so the root logger defaults to structured JSON on stdout; a console format is
available for local runs. Component loggers carry a component field so one
service's output can be filtered per subsystem.

*/

package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the root logger every component logger derives from.
var Logger zerolog.Logger

// Initialize configures the root logger. Unknown levels fall back to info.
// Setting LOG_FORMAT=console switches to human-readable output for local
// runs; everything else emits JSON.
func Initialize(logLevel string) {
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	Logger = zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Route the package-global zerolog through the same writer.
	log.Logger = Logger
}

// Get returns the root logger.
func Get() *zerolog.Logger {
	return &Logger
}

// GetForComponent derives a logger tagged with the subsystem name.
func GetForComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// FileWriter opens an append-only log file, for teeing alongside the stdout
// writer through zerolog.MultiLevelWriter.
func FileWriter(path string) (io.Writer, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
