// Package log provides a category-aware logger for the daemon.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus and tags every entry with the subsystem category
// that produced it.
type Logger struct {
	*logrus.Logger
}

// New returns a Logger backed by the given logrus logger.
func New(ll *logrus.Logger) *Logger {
	return &Logger{Logger: ll}
}

// NewNullLogger returns a Logger that discards everything. Used in tests.
func NewNullLogger() *Logger {
	ll := logrus.New()
	ll.SetOutput(io.Discard)
	return New(ll)
}

// Debugf logs a debug message under the given category.
func (l *Logger) Debugf(category, msg string, args ...interface{}) {
	l.logf(logrus.DebugLevel, category, msg, args...)
}

// Infof logs an info message under the given category.
func (l *Logger) Infof(category, msg string, args ...interface{}) {
	l.logf(logrus.InfoLevel, category, msg, args...)
}

// Warnf logs a warning under the given category.
func (l *Logger) Warnf(category, msg string, args ...interface{}) {
	l.logf(logrus.WarnLevel, category, msg, args...)
}

// Errorf logs an error under the given category.
func (l *Logger) Errorf(category, msg string, args ...interface{}) {
	l.logf(logrus.ErrorLevel, category, msg, args...)
}

func (l *Logger) logf(level logrus.Level, category, msg string, args ...interface{}) {
	l.WithField("category", category).Logf(level, msg, args...)
}

// DebugMode returns true if the logger level is set to Debug or higher.
func (l *Logger) DebugMode() bool {
	return l.Logger.GetLevel() >= logrus.DebugLevel
}
