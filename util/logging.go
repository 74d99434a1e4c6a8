package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLogLevel converts a log level string to zerolog.Level.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "OFF", "DISABLED":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// InitLogger creates a zerolog logger with the specified level and format.
// Format is either "json" or "console".
func InitLogger(logLevel, logFormat string) zerolog.Logger {
	return NewLogger(os.Stderr, logLevel, logFormat)
}

// NewLogger is InitLogger with an explicit writer.
func NewLogger(out io.Writer, logLevel, logFormat string) zerolog.Logger {
	if logFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(ParseLogLevel(logLevel)).With().Timestamp().Str("component", "beacon").Logger()
}
