// Package observability provides structured logging and metrics collection.
//
// Logger wraps log/slog with a persistent component field and helpers for
// the orchestrator's recurring events (cycles, state transitions, applied
// actions). Metrics collects cycle counts, oracle latency and spend.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog with a persistent component name.
type Logger struct {
	inner     *slog.Logger
	component string
}

// NewLogger creates a JSON logger for a component at DEBUG level.
// Output defaults to os.Stderr if w is nil.
func NewLogger(component string, w io.Writer) *Logger {
	return NewLoggerLevel(component, w, slog.LevelDebug)
}

// NewLoggerLevel creates a JSON logger with a minimum level.
func NewLoggerLevel(component string, w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{inner: slog.New(handler), component: component}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return NewLoggerLevel("discard", io.Discard, slog.LevelError+1)
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Anything else is INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// With returns a new Logger with an additional persistent field.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{inner: l.inner.With(slog.Any(key, value)), component: l.component}
}

// Component returns a copy of the logger under a different component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{inner: l.inner, component: name}
}

func (l *Logger) attrs(args []any) []any {
	return append([]any{slog.String("component", l.component)}, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, l.attrs(args)...) }

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) { l.inner.Info(msg, l.attrs(args)...) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) { l.inner.Warn(msg, l.attrs(args)...) }

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, l.attrs(args)...) }

// Cycle logs an orchestrator cycle event for a task.
func (l *Logger) Cycle(taskID, state, msg string, args ...any) {
	all := append([]any{
		slog.String("task_id", taskID),
		slog.String("state", state),
	}, args...)
	l.inner.Info(msg, l.attrs(all)...)
}

// Transition logs a state machine transition.
func (l *Logger) Transition(taskID, from, to, reason string) {
	l.inner.Info("transition", l.attrs([]any{
		slog.String("task_id", taskID),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	})...)
}

// ActionEvent logs one applied orchestrator action.
func (l *Logger) ActionEvent(taskID, action string, args ...any) {
	all := append([]any{
		slog.String("task_id", taskID),
		slog.String("action", action),
	}, args...)
	l.inner.Info("action", l.attrs(all)...)
}

// Stale logs a trigger that no longer matches persisted state. These are
// expected under concurrency and never errors.
func (l *Logger) Stale(taskID, trigger, reason string) {
	l.inner.Debug("stale trigger", l.attrs([]any{
		slog.String("task_id", taskID),
		slog.String("trigger", trigger),
		slog.String("reason", reason),
	})...)
}
