// Package xlog is the logging façade every package below the CLI
// layer uses, wrapping github.com/sirupsen/logrus exactly as the
// teacher's cmd/musclefs main() configures a package-level logrus
// logger and passes it down through constructors.
package xlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the shape every internal package depends on, so tests can
// substitute a no-op or buffering implementation without importing
// logrus directly.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// New returns a Logger scoped to one component name, e.g.
// xlog.New("engine") for the reactor loop or xlog.New("gateway") for
// propagation.
func New(component string) Logger {
	return &logrusLogger{entry: base.WithField("component", component)}
}

// SetOutput redirects every logger's destination, used by CLIs honoring
// --quiet or redirecting to a log file.
func SetOutput(w io.Writer) { base.SetOutput(w) }

// SetDebug toggles debug-level verbosity, wired to the task info key
// "debug" (spec.md §4.D) by internal/diagnostics.
func SetDebug(on bool) {
	if on {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
}
