package logging

import (
	"log/slog"
	"sync/atomic"
)

var traceEnabled atomic.Bool

// SetTrace turns trace logging on or off. Set automatically when a log level is "TRACE".
func SetTrace(on bool) { traceEnabled.Store(on) }

// Trace logs a message at DEBUG level, but only when tracing is enabled.
// Used for per-event playback chatter that would drown out normal debug logs.
func Trace(logger *slog.Logger, msg string, args ...any) {
	if traceEnabled.Load() {
		logger.Debug(msg, args...)
	}
}

// TraceDefault logs to the default logger when tracing is enabled.
func TraceDefault(msg string, args ...any) {
	if traceEnabled.Load() {
		slog.Debug(msg, args...)
	}
}
