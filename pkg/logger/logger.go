// Package logger provides the structured logger used across the service
// layer. It wraps logrus so components can carry a named logger with
// contextual fields without depending on the backend directly.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped structured logger.
type Logger struct {
	entry *logrus.Entry
}

// NewDefault creates a logger for the named component with the standard
// text formatter. Log level is taken from ATELIER_LOG_LEVEL when set.
func NewDefault(component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(os.Getenv("ATELIER_LOG_LEVEL")); err == nil {
		base.SetLevel(lvl)
	}
	return &Logger{entry: base.WithField("component", component)}
}

// WithField returns a logger with an additional field attached.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger with additional fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
