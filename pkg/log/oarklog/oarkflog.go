// Package oarklog adapts github.com/oarkflow/log to the minidrive Logger.
package oarklog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	oarkLog "github.com/oarkflow/log"

	"github.com/oarkflow/minidrive/pkg/log"
)

// Config selects the level and destination of a logger.
// Output is "stdout", "stderr" or a file path.
type Config struct {
	Level  string
	Output string
}

// New wraps an existing oarkflow logger.
func New(logr oarkLog.Logger) log.Logger {
	return &OarkLog{
		logger: logr,
	}
}

// Default creates a logger writing RFC3339 UTC lines to stdout.
func Default() log.Logger {
	w := []oarkLog.Writer{
		&oarkLog.IOWriter{Writer: os.Stdout},
	}
	writer := oarkLog.MultiEntryWriter(w)
	oarkLog.DefaultLogger.Writer = &writer
	oarkLog.DefaultLogger.EnableTracing = false
	oarkLog.DefaultLogger.TimeLocation = time.UTC
	oarkLog.DefaultLogger.TimeFormat = time.RFC3339
	return &OarkLog{
		logger: oarkLog.DefaultLogger,
	}
}

// Open builds a logger from cfg. The returned closer releases the log file,
// if one was opened; it is never nil.
func Open(cfg Config) (log.Logger, io.Closer, error) {
	var out io.Writer
	closer := io.Closer(nopCloser{})
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		out = f
		closer = f
	}
	return NewWriter(out, cfg.Level), closer, nil
}

// NewWriter creates a logger that writes to w at the given level.
func NewWriter(w io.Writer, level string) log.Logger {
	return &OarkLog{
		logger: oarkLog.Logger{
			Level:        parseLevel(level),
			TimeLocation: time.UTC,
			TimeFormat:   time.RFC3339,
			Writer:       &oarkLog.IOWriter{Writer: w},
		},
	}
}

func parseLevel(level string) oarkLog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return oarkLog.DebugLevel
	case "WARN", "WARNING":
		return oarkLog.WarnLevel
	case "ERROR":
		return oarkLog.ErrorLevel
	default:
		return oarkLog.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type OarkLog struct {
	logger oarkLog.Logger
}

func addLog(event *oarkLog.Entry, msg string, keyvals ...interface{}) {
	addEvents(event, keyvals...).Msg(msg)
}

// Debug logs key-values at debug level
func (logger *OarkLog) Debug(msg string, keyvals ...interface{}) {
	addLog(logger.logger.Debug(), msg, keyvals...)
}

// Info logs key-values at info level
func (logger *OarkLog) Info(msg string, keyvals ...interface{}) {
	addLog(logger.logger.Info(), msg, keyvals...)
}

// Warn logs key-values at warn level
func (logger *OarkLog) Warn(msg string, keyvals ...interface{}) {
	addLog(logger.logger.Warn(), msg, keyvals...)
}

// Error logs key-values at error level
func (logger *OarkLog) Error(msg string, keyvals ...interface{}) {
	addLog(logger.logger.Error(), msg, keyvals...)
}

func (logger *OarkLog) Panic(msg string, keyvals ...interface{}) {
	addLog(logger.logger.Panic(), msg, keyvals...)
}

// With adds key-values
func (logger *OarkLog) With(keyvals ...interface{}) log.Logger {
	event := oarkLog.With(&logger.logger)
	return New(addEvents(event, keyvals...).Copy())
}

// addEvents appends key/value pairs; entries are nil when the level is disabled.
func addEvents(event *oarkLog.Entry, keyvals ...interface{}) *oarkLog.Entry {
	if event == nil {
		return event
	}
	for i := 0; i < len(keyvals)-1; i += 2 {
		if err, ok := keyvals[i+1].(error); ok {
			event = event.Str(fmt.Sprint(keyvals[i]), err.Error())
			continue
		}
		event = event.Any(fmt.Sprint(keyvals[i]), keyvals[i+1])
	}
	return event
}
