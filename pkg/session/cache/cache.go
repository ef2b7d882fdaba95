package cache

import (
	"time"

	"github.com/karlseguin/ccache"

	"github.com/roehann/cota/pkg/marker"
)

const (
	// cacheTimeout bounds how long a posted record suppresses identical
	// reposts. Kept shorter than typical dashboard staleness alarms so a
	// quiet device still refreshes its markers.
	cacheTimeout = time.Minute * 30
)

// LastPosted remembers the most recent record posted under a name so callers
// can skip reposting values the store already has.
type LastPosted interface {
	Last(name string) marker.Record
	Record(name string, r marker.Record)
	Unchanged(name string, r marker.Record) bool
}

type lastPosted struct {
	cache *ccache.Cache
}

// NewLastPosted creates a cache suitable for deduplicating attribute posts
// between polls.
func NewLastPosted() LastPosted {
	return &lastPosted{
		cache: ccache.New(ccache.Configure().MaxSize(1000).ItemsToPrune(100)),
	}
}

// Last returns the record most recently stored under the name, or nil when
// nothing fresh is held.
func (l *lastPosted) Last(name string) marker.Record {
	val := l.cache.Get(name)
	if val == nil {
		return nil
	}
	if val.Expired() {
		return nil
	}
	rec, ok := val.Value().(marker.Record)
	if !ok {
		return nil
	}

	// Copy to protect against mutation of the cached in-memory record.
	return rec.Merge(nil)
}

// Record stores the record as the most recent post under the name.
func (l *lastPosted) Record(name string, r marker.Record) {
	if r == nil {
		return
	}
	l.cache.Set(name, r.Merge(nil), cacheTimeout)
}

// Unchanged reports whether the record matches the one last stored under the
// name, comparing the textual forms the store would have received.
func (l *lastPosted) Unchanged(name string, r marker.Record) bool {
	last := l.Last(name)
	if last == nil || len(last) != len(r) {
		return false
	}
	for k := range r {
		if !last.Has(k) || last.Text(k) != r.Text(k) {
			return false
		}
	}
	return true
}
