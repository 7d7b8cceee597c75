// Package observability defines shared logging and diagnostic primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the hub.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a standard library logger to the Logger interface.
type StdLogger struct {
	out   *log.Logger
	debug bool
}

// NewStdLogger wraps the provided standard logger. Debug lines are emitted only
// when debug is true.
func NewStdLogger(out *log.Logger, debug bool) *StdLogger {
	if out == nil {
		out = log.Default()
	}
	return &StdLogger{out: out, debug: debug}
}

// Debug writes a debug-level line when enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.out.Println(formatLine("DEBUG", msg, fields))
}

// Info writes an info-level line.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.out.Println(formatLine("INFO", msg, fields))
}

// Error writes an error-level line.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.out.Println(formatLine("ERROR", msg, fields))
}

func formatLine(level, msg string, fields []Field) string {
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, level, msg)
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, field.Value))
	}
	return strings.Join(parts, " ")
}
