// Package logutil configures the process-wide zerolog logger for the CLI.
package logutil

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a console logger on stderr. Verbose lowers the level to debug,
// which also surfaces the per-slice wait logging of the event poller.
func New(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.TimeOnly,
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
