// Package logging wraps zerolog behind a process-wide logger so call sites
// stay one import away from structured logging.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it.
var Logger zerolog.Logger

// Level aliases zerolog's level type.
type Level = zerolog.Level

// Re-exported levels so callers avoid a direct zerolog import.
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config controls the process-wide logger.
type Config struct {
	// Level is the minimum level emitted.
	Level Level
	// Output defaults to os.Stderr.
	Output io.Writer
	// Pretty switches from JSON lines to console output.
	Pretty bool
}

// Init replaces the process-wide logger.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        cfg.Output,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).
		Level(cfg.Level).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a level name, case-insensitively, to a Level. Unrecognized
// names fall back to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Debug starts a debug-level event on the process logger.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Info starts an info-level event on the process logger.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn starts a warn-level event on the process logger.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error starts an error-level event on the process logger.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Fatal starts a fatal-level event; completing it exits the process.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// With derives a child logger context from the process logger.
func With() zerolog.Context {
	return Logger.With()
}

func init() {
	Init(Config{Level: InfoLevel})
}
