// Package logging wires the process-wide slog logger.
package logging

import (
	"log/slog"
	"os"
)

// Init sets up the global slog logger with sane defaults for a service
// process: JSON output, source location on debug-and-above messages.
func Init(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	})
	slog.SetDefault(slog.New(handler))
}
