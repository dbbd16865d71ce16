package logging

import "log"

// Logger is the leveled logging interface injected through
// constructors. Fields are alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// DefaultLogger writes level-prefixed lines through the stdlib logger.
type DefaultLogger struct {
	logger *log.Logger
	debug  bool
}

func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{logger: log.Default()}
}

// NewDebugLogger returns a DefaultLogger with debug lines enabled.
func NewDebugLogger() *DefaultLogger {
	return &DefaultLogger{logger: log.Default(), debug: true}
}

func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	if !l.debug {
		return
	}
	l.logger.Println(append([]interface{}{"[DEBUG]", msg}, fields...)...)
}

func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.logger.Println(append([]interface{}{"[INFO]", msg}, fields...)...)
}

func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Println(append([]interface{}{"[WARN]", msg}, fields...)...)
}

func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.logger.Println(append([]interface{}{"[ERROR]", msg}, fields...)...)
}

// Nop discards everything. Used in tests.
type Nop struct{}

func (Nop) Debug(string, ...interface{}) {}
func (Nop) Info(string, ...interface{})  {}
func (Nop) Warn(string, ...interface{})  {}
func (Nop) Error(string, ...interface{}) {}
