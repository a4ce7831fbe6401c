// ABOUTME: Structured logger construction for the CLI, daemon, and MCP server
// ABOUTME: JSON on stderr by default; console output with caller and stack in debug mode
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger. Debug switches to human-readable output
// and lowers the level to debug.
func Setup(debug bool) zerolog.Logger {
	return New(os.Stderr, debug)
}

// New builds a logger writing to w.
func New(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()

	if debug {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Caller().Stack().Logger()
	}

	return logger
}
