package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/roehann/cota/pkg/logging"
)

// ErrChanged reports that the settings file was rewritten while the agent was
// running. Callers reload and start over.
var ErrChanged = errors.New("settings changed on disk")

// Watch blocks until the settings file at path changes, then returns
// ErrChanged. A done context returns nil. The parent directory is watched
// rather than the file itself so editors that replace the file atomically are
// still seen.
func Watch(ctx context.Context, log logging.Logger, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "unable to watch settings")
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "unable to watch %q", dir)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.WithField("event", event.Op.String()).Info("settings changed")
			return ErrChanged
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("settings watcher error")
		}
	}
}
