// Package session tracks one synchronization attempt from the first store
// probe through the final report. The orchestrator drives a Session through
// its phases and transposes it into store records at each step; nothing else
// mutates it.
package session

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/roehann/cota/pkg/firmware"
	"github.com/roehann/cota/pkg/logging"
	"github.com/roehann/cota/pkg/marker"
)

// Phase is a position in the synchronization flow.
type Phase = string

const (
	// PhaseIdle is the origin; nothing has been asked of the store yet.
	PhaseIdle Phase = "idle"
	// PhaseChecking covers resolving the assignment and listing the
	// repository.
	PhaseChecking Phase = "checking"
	// PhaseDownloading covers the wipe and the per-file fetch, verify and
	// write cycle.
	PhaseDownloading Phase = "downloading"
	// PhaseApplied means every listed file is on disk and verified.
	PhaseApplied Phase = "applied"
	// PhaseReporting covers posting the installed identity and final status.
	PhaseReporting Phase = "reporting"
	// PhaseDone is the successful terminal phase.
	PhaseDone Phase = "done"
	// PhaseFailed is the terminal phase for an attempt abandoned at any
	// earlier point.
	PhaseFailed Phase = "failed"
)

// nextLinear maps each phase to its successor on the success path. Failure is
// not part of the line; any non-terminal phase may fall into PhaseFailed.
var nextLinear = map[Phase]Phase{
	PhaseIdle:        PhaseChecking,
	PhaseChecking:    PhaseDownloading,
	PhaseDownloading: PhaseApplied,
	PhaseApplied:     PhaseReporting,
	PhaseReporting:   PhaseDone,
	PhaseDone:        PhaseDone,
	PhaseFailed:      PhaseFailed,
}

func calculateNext(p Phase) (Phase, error) {
	next, ok := nextLinear[p]
	if !ok {
		return PhaseFailed, errors.Errorf("phase %q is not part of the progression", p)
	}
	return next, nil
}

// Session is the record of a single synchronization attempt.
type Session struct {
	// ID correlates the attempt's telemetry across posts.
	ID string
	// Target is the identity being converged on, set once the assignment
	// resolves.
	Target firmware.Identity
	// Phase is the current position in the flow.
	Phase Phase
	// FilesTotal is the number of files the repository listing named.
	FilesTotal int
	// FilesDone counts files fetched, verified and written so far.
	FilesDone int
	// Reason describes the failure when Phase is PhaseFailed.
	Reason string
}

// New returns an idle session with a fresh correlation id.
func New() *Session {
	return &Session{
		ID:    uuid.NewString(),
		Phase: PhaseIdle,
	}
}

// Advance moves the session one step along the success path. Advancing a
// terminal session is a programming error and is reported as one.
func (s *Session) Advance() error {
	if s.Terminal() {
		return errors.Errorf("session %s cannot advance from terminal phase %q", s.ID, s.Phase)
	}
	next, err := calculateNext(s.Phase)
	if err != nil {
		return err
	}
	if logging.Debuggable {
		logging.New("session").WithFields(logrus.Fields{
			"session": s.ID,
			"from":    s.Phase,
			"to":      next,
		}).Debug("advance")
	}
	s.Phase = next
	return nil
}

// Fail moves the session to the failed terminal phase with the given reason.
// Failing an already terminal session leaves it untouched.
func (s *Session) Fail(reason string) {
	if s.Terminal() {
		return
	}
	s.Phase = PhaseFailed
	s.Reason = reason
}

// Idle reports whether the session has not started making progress.
func (s *Session) Idle() bool {
	return s.Phase == PhaseIdle || s.Phase == ""
}

// InProgress reports whether the session is between its first store post and
// its terminal phase.
func (s *Session) InProgress() bool {
	switch s.Phase {
	case PhaseChecking, PhaseDownloading, PhaseApplied, PhaseReporting:
		return true
	}
	return false
}

// Terminal reports whether the session will make no further progress.
func (s *Session) Terminal() bool {
	return s.Phase == PhaseDone || s.Phase == PhaseFailed
}

// Failed reports whether the session ended without converging.
func (s *Session) Failed() bool {
	return s.Phase == PhaseFailed
}

// Progress reports the percentage of listed files placed so far. A listing
// with no files counts as fully placed, but only once the wipe has realized
// it; before that the session has not touched the device.
func (s *Session) Progress() int {
	if s.FilesTotal <= 0 {
		switch s.Phase {
		case PhaseApplied, PhaseReporting, PhaseDone:
			return 100
		}
		return 0
	}
	pct := (s.FilesDone * 100) / s.FilesTotal
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// WireStatus maps the session's phase onto the status vocabulary the store
// dashboards understand. The flow has more phases than the wire does:
// everything between the wipe and the last verified write reports as
// DOWNLOADING, and SUCCESS only appears once reporting begins.
func (s *Session) WireStatus() marker.Status {
	switch s.Phase {
	case PhaseChecking:
		return marker.StatusChecking
	case PhaseDownloading, PhaseApplied:
		return marker.StatusDownloading
	case PhaseReporting, PhaseDone:
		return marker.StatusSuccess
	case PhaseFailed:
		return marker.StatusFailed
	}
	return ""
}

// StatusRecord transposes the session into the client attributes posted while
// it runs. LastError carries the failure reason, and is explicitly cleared
// once the session reports success.
func (s *Session) StatusRecord() marker.Record {
	r := marker.Record{
		marker.StatusKey:          s.WireStatus(),
		marker.ProgressPercentKey: s.Progress(),
	}
	switch {
	case s.Failed():
		r[marker.LastErrorKey] = s.Reason
	case s.Phase == PhaseReporting || s.Phase == PhaseDone:
		r[marker.LastErrorKey] = ""
	}
	return r
}

// InstalledRecord transposes the session's target into the client attributes
// recording what is now on disk. Only meaningful once the target is applied.
func (s *Session) InstalledRecord() marker.Record {
	return marker.Record{
		marker.InstalledTitleKey:   s.Target.Title,
		marker.InstalledVersionKey: s.Target.Version,
	}
}

// Telemetry transposes the session into a telemetry point for the store's
// timeseries, correlated by the session id.
func (s *Session) Telemetry() marker.Record {
	r := marker.Record{
		marker.SessionKey:         s.ID,
		marker.StatusKey:          s.WireStatus(),
		marker.ProgressPercentKey: s.Progress(),
		marker.AssignedTitleKey:   s.Target.Title,
		marker.AssignedVersionKey: s.Target.Version,
	}
	if s.Failed() {
		r[marker.LastErrorKey] = s.Reason
	}
	return r
}

// DisplayString renders the session compactly for log lines.
func (s *Session) DisplayString() string {
	if s == nil {
		return ",,"
	}
	return fmt.Sprintf("%s,%s,%d/%d", s.Phase, s.Target, s.FilesDone, s.FilesTotal)
}

// Clone returns a copy to mutate independently of the source instance.
func (s Session) Clone() *Session {
	return &s
}
