package logger

import (
	"log/slog"
	"os"
)

// Fatal logs at error level on the default logger and exits
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

// FatalWithLogger logs at error level on the given logger and exits
func FatalWithLogger(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
