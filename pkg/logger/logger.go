package logger

import (
	"log/slog"
	"os"
)

// Setup builds the process-wide logger. Text output for console
// readability; debug level when verbose is requested.
func Setup(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}
