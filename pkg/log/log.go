// Package log defines the structured logger used across minidrive.
package log

// Logger logs a message with alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...interface{})
	Info(msg string, keyvals ...interface{})
	Warn(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})
	Panic(msg string, keyvals ...interface{})
	With(keyvals ...interface{}) Logger
}

type discard struct{}

// Discard returns a Logger that drops everything. Panic still panics.
func Discard() Logger {
	return discard{}
}

func (discard) Debug(string, ...interface{}) {}
func (discard) Info(string, ...interface{})  {}
func (discard) Warn(string, ...interface{})  {}
func (discard) Error(string, ...interface{}) {}

func (discard) Panic(msg string, _ ...interface{}) {
	panic(msg)
}

func (d discard) With(...interface{}) Logger {
	return d
}
