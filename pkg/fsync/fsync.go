// Package fsync replaces the contents of a device directory with the files a
// repository listing names. Replacement is destructive and direct: unpreserved
// files are deleted first, then each wanted file is streamed into place. There
// is no staging area and no rollback; interrupted synchronizations leave a
// partial tree for the next session to finish.
package fsync

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/roehann/cota/pkg/logging"
)

// Error describes a filesystem operation that failed mid-synchronization,
// keeping the path so reports can say which file the device is stuck on.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Synchronizer owns one directory tree and the preserve set that bounds what
// may be destroyed inside it.
type Synchronizer struct {
	log      logging.Logger
	root     string
	preserve *PreserveSet
}

func New(log logging.Logger, root string, preserve *PreserveSet) (*Synchronizer, error) {
	if preserve == nil {
		return nil, errors.New("a preserve set must be provided")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving root %q", root)
	}
	stat, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "synchronization root %q", abs)
	}
	if !stat.IsDir() {
		return nil, errors.Errorf("synchronization root %q is not a directory", abs)
	}
	return &Synchronizer{log: log, root: abs, preserve: preserve}, nil
}

// Root returns the absolute directory being synchronized.
func (s *Synchronizer) Root() string {
	return s.root
}

// Preserved returns the protected paths, for logging.
func (s *Synchronizer) Preserved() []string {
	return s.preserve.Paths()
}

// Wipe deletes everything under the root that the preserve set does not
// cover. Files go first, then emptied directories deepest-first; a directory
// still holding preserved entries stays.
func (s *Synchronizer) Wipe(ctx context.Context) error {
	var dirs []string
	removed := 0

	err := fs.WalkDir(os.DirFS(s.root), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return &Error{Op: "wipe", Path: p, Err: err}
		}
		if p == "." {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.preserve.Contains(p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
			return nil
		}
		if err := os.Remove(filepath.Join(s.root, filepath.FromSlash(p))); err != nil {
			return &Error{Op: "wipe", Path: p, Err: err}
		}
		removed++
		return nil
	})
	if err != nil {
		return err
	}

	// Reverse lexical order visits children before their parents.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		abs := filepath.Join(s.root, filepath.FromSlash(dir))
		entries, err := os.ReadDir(abs)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return &Error{Op: "wipe", Path: dir, Err: err}
		}
		if len(entries) > 0 {
			// holds preserved content
			continue
		}
		if err := os.Remove(abs); err != nil {
			return &Error{Op: "wipe", Path: dir, Err: err}
		}
		removed++
	}

	s.log.WithField("removed", removed).Info("wiped unpreserved tree")
	return nil
}

// Place streams content into the file at the relative path, creating parent
// directories and truncating whatever was there. The write is flushed to
// stable storage before Place returns; devices lose power without warning.
func (s *Synchronizer) Place(ctx context.Context, rel string, content io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, err := cleanRelative(rel)
	if err != nil {
		return &Error{Op: "place", Path: rel, Err: err}
	}
	abs := filepath.Join(s.root, filepath.FromSlash(clean))

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return &Error{Op: "place", Path: clean, Err: err}
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return &Error{Op: "place", Path: clean, Err: err}
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return &Error{Op: "place", Path: clean, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &Error{Op: "place", Path: clean, Err: err}
	}
	if err := f.Close(); err != nil {
		return &Error{Op: "place", Path: clean, Err: err}
	}

	s.log.WithField("path", clean).Debug("placed file")
	return nil
}
