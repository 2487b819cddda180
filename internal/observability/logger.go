// Package observability holds the structured logging contract used across tradeflow.
package observability

import "sync/atomic"

// Logger is the structured logger every component accepts. Implementations must be
// safe for concurrent use.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one structured key/value attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type loggerHolder struct{ Logger }

var global atomic.Pointer[loggerHolder]

func init() {
	global.Store(&loggerHolder{noopLogger{}})
}

// SetLogger installs the process-wide logger. Nil restores the no-op logger.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	global.Store(&loggerHolder{logger})
}

// Log returns the process-wide logger.
func Log() Logger {
	return global.Load().Logger
}

// OrDefault returns logger, or the process-wide logger when logger is nil.
func OrDefault(logger Logger) Logger {
	if logger == nil {
		return Log()
	}
	return logger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
