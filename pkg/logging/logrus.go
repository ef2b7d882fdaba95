// Package logging scopes one process-wide logrus logger into per-component
// loggers. Components take a Logger from New at construction time; tests and
// the CLI reshape output and level through Set.
package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Setter mutates the root logger under the package lock.
type Setter func(*logrus.Logger) error

var (
	rootMu sync.Mutex
	root   = newRoot()
)

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// Logger is the handle components log through. Components receive their own
// scoped Logger from New and should not reach for the root logger.
type Logger interface {
	logrus.FieldLogger

	Writer() *io.PipeWriter
	WriterLevel(logrus.Level) *io.PipeWriter
}

// New returns a Logger scoped to the named component, applying any Setters
// first.
func New(component string, setters ...Setter) Logger {
	for _, setter := range setters {
		// no errors handling for now
		_ = Set(setter)
	}
	return root.WithField("component", component)
}

// Set applies a Setter on the shared root logger.
func Set(setter Setter) error {
	rootMu.Lock()
	defer rootMu.Unlock()
	return setter(root)
}

// Level provides a Setter for the named level, falling back to debug when the
// name does not parse.
func Level(lvl string) Setter {
	parsed, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.WithError(err).Errorf("unable to parse provided level %q", lvl)
		parsed = logrus.DebugLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(parsed)
		return nil
	}
}
