package fsync

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// PreserveSet names the relative paths a wipe must leave alone. An entry
// covers itself and everything beneath it. The set can never be empty: a
// device synchronizing with nothing preserved would delete its own
// configuration out from under itself.
type PreserveSet struct {
	entries map[string]struct{}
}

// NewPreserveSet builds the set from slash-separated paths relative to the
// synchronization root.
func NewPreserveSet(paths ...string) (*PreserveSet, error) {
	entries := map[string]struct{}{}
	for _, p := range paths {
		clean, err := cleanRelative(p)
		if err != nil {
			return nil, errors.WithMessage(err, "preserve path")
		}
		entries[clean] = struct{}{}
	}
	if len(entries) == 0 {
		return nil, errors.New("preserve set must name at least one path")
	}
	return &PreserveSet{entries: entries}, nil
}

// Contains reports whether the relative path matches an entry exactly or
// descends from one.
func (ps *PreserveSet) Contains(rel string) bool {
	clean := path.Clean(filepath.ToSlash(rel))
	if _, ok := ps.entries[clean]; ok {
		return true
	}
	for dir := path.Dir(clean); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, ok := ps.entries[dir]; ok {
			return true
		}
	}
	return false
}

// Paths returns the entries, sorted, for logging.
func (ps *PreserveSet) Paths() []string {
	out := make([]string, 0, len(ps.entries))
	for p := range ps.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SelfPreserve returns entries protecting the agent's own footprint: the
// running executable and the settings file, for whichever of the two live
// under the root. Callers append these to the configured set so an update
// cannot remove the machinery applying it.
func SelfPreserve(root, settings string) []string {
	var extra []string
	if exe, err := os.Executable(); err == nil {
		if rel, ok := under(root, exe); ok {
			extra = append(extra, rel)
		}
	}
	if settings != "" {
		if abs, err := filepath.Abs(settings); err == nil {
			if rel, ok := under(root, abs); ok {
				extra = append(extra, rel)
			}
		}
	}
	return extra
}

func under(root, target string) (string, bool) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return "", false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func cleanRelative(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is empty")
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == "." {
		return "", errors.Errorf("path %q names the root itself", p)
	}
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.Errorf("path %q escapes the root", p)
	}
	return clean, nil
}
