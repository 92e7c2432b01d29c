// Package errutil funnels errors that cannot be returned into the log.
package errutil

import (
	"log/slog"
)

// LogMsg logs err at warn level with msg if it is not nil. Use it for cleanup
// failures a caller cannot act on.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		slog.Warn(msg, append([]any{"error", err}, args...)...)
	}
}

// ReportError logs an unexpected err at error level if it is not nil.
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		slog.Error(msg, append([]any{"error", err}, args...)...)
	}
}
