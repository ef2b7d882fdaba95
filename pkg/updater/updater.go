// Package updater orchestrates firmware synchronization: deciding whether the
// device is behind its assignment, and driving a session that replaces the
// device tree with the repository's contents while reporting progress to the
// store. One Updater serves one device; its operations are not reentrant.
package updater

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/roehann/cota/pkg/firmware"
	"github.com/roehann/cota/pkg/github"
	"github.com/roehann/cota/pkg/gitblob"
	"github.com/roehann/cota/pkg/logging"
	"github.com/roehann/cota/pkg/marker"
	"github.com/roehann/cota/pkg/session"
)

const (
	defaultHashAttempts = 3
	defaultRetryDelay   = 5 * time.Second
)

// Store is the attribute store surface the orchestrator needs.
type Store interface {
	Attributes(ctx context.Context, clientKeys, sharedKeys []marker.Key) (marker.Record, marker.Record, error)
	PostAttributes(ctx context.Context, rec marker.Record) error
	PostTelemetry(ctx context.Context, rec marker.Record) error
}

// Source lists and streams the repository's files.
type Source interface {
	ListFiles(ctx context.Context) ([]github.File, error)
	Fetch(ctx context.Context, path string) (io.ReadCloser, error)
}

// SourceFactory builds the Source for the repository URL in effect, which is
// only known once the assignment resolves: operators may point a device at a
// different repository through its shared attributes.
type SourceFactory func(repoURL string) (Source, error)

// Placer is the destructive filesystem surface of a session.
type Placer interface {
	Wipe(ctx context.Context) error
	Place(ctx context.Context, rel string, content io.Reader) error
}

// Config carries the per-device tuning for the orchestrator.
type Config struct {
	// RepositoryURL is the configured repository, used when the assignment
	// does not name one.
	RepositoryURL string
	// HashAttempts bounds how often a file that fails verification is
	// refetched before the session is abandoned.
	HashAttempts int
	// RetryDelay spaces those attempts.
	RetryDelay time.Duration
}

// Updater is the engine behind the two operations callers drive the flow
// with.
type Updater struct {
	log       logging.Logger
	store     Store
	newSource SourceFactory
	fs        Placer
	cfg       Config
}

func New(log logging.Logger, store Store, newSource SourceFactory, fs Placer, cfg Config) (*Updater, error) {
	switch {
	case store == nil:
		return nil, errors.New("attribute store is nil")
	case newSource == nil:
		return nil, errors.New("source factory is nil")
	case fs == nil:
		return nil, errors.New("filesystem synchronizer is nil")
	}
	if cfg.HashAttempts <= 0 {
		cfg.HashAttempts = defaultHashAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Updater{
		log:       log,
		store:     store,
		newSource: newSource,
		fs:        fs,
		cfg:       cfg,
	}, nil
}

// IsNewFirmwareAvailable reports whether the device's installed identity
// differs from its assignment. It reads the store and writes nothing. The
// comparison fails closed: an unreadable store is an error, never a quiet
// "no". A device with no assignment at all is simply up to date.
func (u *Updater) IsNewFirmwareAvailable(ctx context.Context) (bool, error) {
	assignment, installed, err := u.resolve(ctx)
	if err != nil {
		return false, err
	}
	if !assignment.Provisioned() {
		u.log.Debug("no firmware assigned")
		return false, nil
	}

	// A positive answer invites a session, so the repository configuration
	// the session would run with has to be usable now.
	if _, err := u.sourceFor(assignment); err != nil {
		return false, err
	}

	available := !assignment.Identity.Equal(installed)
	u.log.WithFields(logrus.Fields{
		"assigned":  assignment.Identity.String(),
		"installed": installed.String(),
		"available": available,
	}).Debug("compared firmware identities")
	return available, nil
}

// DownloadFirmwareFiles runs one complete synchronization session: report
// CHECKING, resolve the assignment, list the repository, report DOWNLOADING,
// wipe the unpreserved tree, then fetch, verify and place every listed file,
// and finally report the new installed identity and SUCCESS. Any failure
// abandons the session, posts FAILED with the reason best-effort, and returns
// a classified *Error.
func (u *Updater) DownloadFirmwareFiles(ctx context.Context) error {
	s := session.New()
	log := u.log.WithField("session", s.ID)

	// Advance fails only from a terminal phase; every failure on this path
	// leaves through abandon before the session reaches one.
	_ = s.Advance()
	if err := u.report(ctx, log, s); err != nil {
		return u.abandon(ctx, log, s, err)
	}

	assignment, installed, err := u.resolve(ctx)
	if err != nil {
		return u.abandon(ctx, log, s, err)
	}
	if !assignment.Provisioned() {
		err := &Error{Kind: KindAttributeUnavailable, Err: errors.New("no firmware assigned to the device")}
		return u.abandon(ctx, log, s, err)
	}
	s.Target = assignment.Identity
	log.WithFields(logrus.Fields{
		"target":    assignment.Identity.String(),
		"installed": installed.String(),
	}).Info("starting firmware synchronization")

	src, err := u.sourceFor(assignment)
	if err != nil {
		return u.abandon(ctx, log, s, err)
	}
	files, err := src.ListFiles(ctx)
	if err != nil {
		return u.abandon(ctx, log, s, err)
	}
	s.FilesTotal = len(files)

	_ = s.Advance()
	if err := u.report(ctx, log, s); err != nil {
		return u.abandon(ctx, log, s, err)
	}

	if err := u.fs.Wipe(ctx); err != nil {
		return u.abandon(ctx, log, s, err)
	}

	for i := range files {
		f := files[i]
		if err := u.placeVerified(ctx, log, src, &f); err != nil {
			return u.abandon(ctx, log, s, err)
		}
		s.FilesDone = i + 1
		if err := u.store.PostAttributes(ctx, marker.Record{marker.ProgressPercentKey: s.Progress()}); err != nil {
			return u.abandon(ctx, log, s, err)
		}
		log.WithFields(logrus.Fields{
			"path":     f.Path,
			"progress": s.Progress(),
		}).Debug("placed and verified")
	}

	_ = s.Advance()
	_ = s.Advance()
	if err := u.store.PostAttributes(ctx, s.InstalledRecord()); err != nil {
		return u.abandon(ctx, log, s, err)
	}
	if err := u.report(ctx, log, s); err != nil {
		return u.abandon(ctx, log, s, err)
	}
	_ = s.Advance()

	log.WithField("target", s.Target.String()).Info("firmware synchronized")
	return nil
}

// resolve reads both attribute sides and shapes them into the assignment and
// the installed identity.
func (u *Updater) resolve(ctx context.Context) (firmware.Assignment, firmware.Identity, error) {
	client, shared, err := u.store.Attributes(ctx, marker.InstalledKeys(), marker.AssignedKeys())
	if err != nil {
		return firmware.Assignment{}, firmware.Identity{}, &Error{Kind: KindAttributeUnavailable, Err: err}
	}
	assignment := firmware.Assignment{
		Identity: firmware.Identity{
			Title:   shared.Text(marker.AssignedTitleKey),
			Version: shared.Text(marker.AssignedVersionKey),
		},
		RepositoryURL: shared.Text(marker.AssignedURLKey),
	}
	installed := firmware.Identity{
		Title:   client.Text(marker.InstalledTitleKey),
		Version: client.Text(marker.InstalledVersionKey),
	}
	return assignment, installed, nil
}

// sourceFor builds the repository client for the assignment, preferring the
// operator's shared-attribute URL over the configured one.
func (u *Updater) sourceFor(a firmware.Assignment) (Source, error) {
	repoURL := a.RepositoryURL
	if repoURL == "" {
		repoURL = u.cfg.RepositoryURL
	}
	if repoURL == "" {
		return nil, &Error{Kind: KindConfig, Err: errors.New("no repository configured or assigned")}
	}
	src, err := u.newSource(repoURL)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Err: err}
	}
	return src, nil
}

// placeVerified streams the file into place while hashing it, refetching a
// bounded number of times when the content does not verify. The listing is
// refreshed before each retry so a repository that moved on mid-session gets
// a chance to converge instead of burning the budget on a stale expectation.
func (u *Updater) placeVerified(ctx context.Context, log logging.Logger, src Source, f *github.File) error {
	for attempt := 1; ; attempt++ {
		body, err := src.Fetch(ctx, f.Path)
		if err != nil {
			return err
		}
		hasher := gitblob.New(f.Size)
		err = u.fs.Place(ctx, f.Path, io.TeeReader(body, hasher))
		body.Close()
		if err != nil {
			return err
		}

		sum := hasher.Sum()
		if sum == f.SHA {
			return nil
		}
		log.WithFields(logrus.Fields{
			"path":     f.Path,
			"expected": f.SHA,
			"actual":   sum,
			"attempt":  attempt,
		}).Warn("placed content did not verify")

		if attempt >= u.cfg.HashAttempts {
			return errors.Wrapf(errHashMismatch, "%q after %d attempts", f.Path, attempt)
		}

		timer := time.NewTimer(u.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		refreshed, err := src.ListFiles(ctx)
		if err != nil {
			return err
		}
		for _, rf := range refreshed {
			if rf.Path == f.Path {
				*f = rf
				break
			}
		}
	}
}

// report posts the session's status attributes, then its telemetry. Attribute
// posts are load-bearing; telemetry is advisory and only logged on failure.
func (u *Updater) report(ctx context.Context, log logging.Logger, s *session.Session) error {
	if err := u.store.PostAttributes(ctx, s.StatusRecord()); err != nil {
		return err
	}
	if err := u.store.PostTelemetry(ctx, s.Telemetry()); err != nil {
		log.WithError(err).Warn("telemetry post failed")
	}
	return nil
}

// abandon fails the session, best-effort reports it, and hands back the
// classified error. The FAILED report rides on whatever is left of the
// session's context; a dead store cannot make this worse than it is.
func (u *Updater) abandon(ctx context.Context, log logging.Logger, s *session.Session, err error) error {
	cerr := classified(err)
	s.Fail(cerr.Error())

	if perr := u.store.PostAttributes(ctx, s.StatusRecord()); perr != nil {
		log.WithError(perr).Warn("could not report abandoned session")
	}
	if terr := u.store.PostTelemetry(ctx, s.Telemetry()); terr != nil {
		log.WithError(terr).Warn("telemetry post failed")
	}

	log.WithError(cerr).WithField("state", s.DisplayString()).Error("synchronization abandoned")
	return cerr
}
