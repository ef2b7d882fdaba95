// Package testoutput interlaces component log output with the test log, so a
// failing test reads in one stream.
package testoutput

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/roehann/cota/pkg/logging"
)

// New returns a writer that forwards each written line to the test's log.
func New(t testing.TB) io.Writer {
	return writer{t}
}

// Logger rescopes a component logger so its output lands in t's log at debug
// level. Use it for loggers handed to the code under test at construction.
func Logger(t testing.TB, log logging.Logger) logging.Logger {
	entry := log.WithFields(logrus.Fields{})
	entry.Logger.SetOutput(New(t))
	entry.Logger.SetLevel(logrus.DebugLevel)
	return entry
}

// Setter routes the shared root logger into t's log at debug level. The root
// is shared state: tests applying this must not run in parallel, and must
// Revert before t finishes or a peer's lines land on a dead test.
func Setter(t testing.TB) logging.Setter {
	return func(l *logrus.Logger) error {
		l.SetOutput(New(t))
		l.SetLevel(logrus.DebugLevel)
		return nil
	}
}

// Revert puts the root logger's output back on stderr.
func Revert() logging.Setter {
	return func(l *logrus.Logger) error {
		l.SetOutput(os.Stderr)
		return nil
	}
}

type writer struct {
	t testing.TB
}

func (w writer) Write(p []byte) (int, error) {
	// t.Logf appends its own newline.
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}
