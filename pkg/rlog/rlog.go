// Package rlog is the CORE's logging surface. It keeps the teacher's
// package-level Debug/Info/Warn/Error/Banner API (pkg/logger) but
// backs it with logrus instead of a hand-rolled ANSI formatter, so
// field-structured output and levels come from a real logging library
// rather than being reinvented.
package rlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Fields is re-exported so callers don't need a direct logrus import.
type Fields = logrus.Fields

// SetLevel adjusts the minimum level logged, by name ("debug", "info",
// "warn", "error").
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return
	}
	base.SetLevel(lvl)
}

// Debug logs a debug-level message, used for the CORE's silent-discard
// paths (duplicate drop, stale repair, drop-on-decode) that the
// application is never notified about but an operator may want to see.
func Debug(msg string, fields Fields) {
	base.WithFields(fields).Debug(msg)
}

// Info logs an info-level message.
func Info(msg string, fields Fields) {
	base.WithFields(fields).Info(msg)
}

// Warn logs a warn-level message, used for stragglers, evictions, and
// unsatisfiable NACKs.
func Warn(msg string, fields Fields) {
	base.WithFields(fields).Warn(msg)
}

// Error logs an error-level message, used for transport-fatal errors.
func Error(msg string, fields Fields) {
	base.WithFields(fields).Error(msg)
}

// Banner logs the startup banner for a demo binary as one info-level
// line through the same logrus logger as the other functions.
func Banner(title, version string) {
	base.Infof("%s (version %s)", title, version)
}
