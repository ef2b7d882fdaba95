package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/roehann/cota/pkg/fsync"
	"github.com/roehann/cota/pkg/github"
	"github.com/roehann/cota/pkg/thingsboard"
)

// Kind classifies why a check or synchronization gave up. Callers branch on
// the kind; the wrapped error is for reporting.
type Kind = string

const (
	// KindAttributeUnavailable: the store could not be read from or written
	// to. Checks fail closed on it.
	KindAttributeUnavailable Kind = "attribute-unavailable"
	// KindRepositoryUnreachable: the repository service failed or answered
	// unusably, including truncated listings.
	KindRepositoryUnreachable Kind = "repository-unreachable"
	// KindRepositoryNotFound: the repository, branch or a listed file is
	// gone.
	KindRepositoryNotFound Kind = "repository-not-found"
	// KindRateLimited: the repository service is refusing requests for now.
	KindRateLimited Kind = "rate-limited"
	// KindIntegrity: a download kept hashing to something other than the
	// listing's object id.
	KindIntegrity Kind = "integrity"
	// KindSync: the device filesystem could not be brought to the wanted
	// state.
	KindSync Kind = "sync"
	// KindConfig: the device's repository configuration cannot serve
	// updates, for example a branch other than the served one.
	KindConfig Kind = "config"
	// KindCanceled: the caller's context ended before the attempt finished.
	// Not a device fault.
	KindCanceled Kind = "canceled"
)

// Error is the one error type the engine's operations return for failures
// that end a check or session. Catch it with errors.As.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain, or "" when the
// error did not come out of the engine.
func KindOf(err error) Kind {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Kind
	}
	return ""
}

// errHashMismatch marks verification exhaustion inside a session; it is
// classified as KindIntegrity on the way out.
var errHashMismatch = errors.New("content does not hash to the listed object id")

// classified wraps err with its Kind, passing through errors that already
// carry one.
func classified(err error) *Error {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr
	}
	return &Error{Kind: classify(err), Err: err}
}

func classify(err error) Kind {
	var ferr *fsync.Error
	switch {
	// Checked first: a cancellation surfacing through another layer is still
	// a cancellation.
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, thingsboard.ErrUnavailable):
		return KindAttributeUnavailable
	case errors.Is(err, github.ErrNotFound):
		return KindRepositoryNotFound
	case errors.Is(err, github.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, github.ErrUnreachable), errors.Is(err, github.ErrTreeTruncated):
		return KindRepositoryUnreachable
	case errors.Is(err, errHashMismatch):
		return KindIntegrity
	case errors.As(err, &ferr):
		return KindSync
	default:
		// Everything else broke the attempt to change the device's state;
		// read it as a synchronization fault.
		return KindSync
	}
}
