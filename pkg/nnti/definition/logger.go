// Package definition holds the small, dependency-light building blocks
// every other package takes for granted: the default logger
// implementation.
package definition

import (
	"os"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
	"github.com/sirupsen/logrus"
)

// DefaultLogger adapts logrus to the types.Logger contract, playing
// the role the teacher's core/definition/default_logger.go filled with
// a bare *log.Logger. logrus was already an indirect dependency of the
// teacher (pulled in through prometheus/common); this promotes it to
// the component it is best suited for.
type DefaultLogger struct {
	entry *logrus.Logger
}

// NewDefaultLogger builds a logger writing to stderr at warn level,
// matching spec.md §6's log.filename/log.severity defaults.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &DefaultLogger{entry: l}
}

// NewLogger builds a logger writing to the given file at the given
// severity, for config-driven construction (log.filename, log.severity).
func NewLogger(filename, severity string) (*DefaultLogger, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch filename {
	case "", "stderr":
		l.SetOutput(os.Stderr)
	case "stdout":
		l.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, types.NewError(types.EIO, err)
		}
		l.SetOutput(f)
	}

	lvl, err := logrus.ParseLevel(severity)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	l.SetLevel(lvl)

	return &DefaultLogger{entry: l}, nil
}

func (l *DefaultLogger) Info(v ...interface{})  { l.entry.Info(v...) }
func (l *DefaultLogger) Warn(v ...interface{})  { l.entry.Warn(v...) }
func (l *DefaultLogger) Error(v ...interface{}) { l.entry.Error(v...) }
func (l *DefaultLogger) Debug(v ...interface{}) { l.entry.Debug(v...) }
func (l *DefaultLogger) Fatal(v ...interface{}) { l.entry.Fatal(v...) }

func (l *DefaultLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *DefaultLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

// ToggleDebug flips between debug and warn level, matching the
// teacher's DefaultLogger.ToggleDebug signature.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.WarnLevel)
	}
	return value
}

var _ types.Logger = (*DefaultLogger)(nil)
