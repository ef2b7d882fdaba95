// Package agent runs the long-lived loop that keeps a device's firmware
// synchronized with its assignment: poll the store, advertise availability,
// synchronize when something new is assigned, then hand the device over to the
// updated firmware.
package agent

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/roehann/cota/pkg/logging"
	"github.com/roehann/cota/pkg/marker"
	"github.com/roehann/cota/pkg/restart"
	"github.com/roehann/cota/pkg/session/cache"
	"github.com/roehann/cota/pkg/thingsboard"
	"github.com/roehann/cota/pkg/updater"
	"github.com/roehann/cota/pkg/workgroup"
)

const (
	defaultInitialPollDelay   = time.Minute * 1
	defaultUpdatePollInterval = time.Minute * 5

	// availabilityName keys the deduplication cache entry for the
	// availability marker.
	availabilityName = "availability"
)

type Agent struct {
	log logging.Logger

	engine    engine
	poster    poster
	proc      proc
	restarter restarter

	posted cache.LastPosted

	initialDelay time.Duration
	pollInterval time.Duration
	restartUnit  string
	exitOnUpdate bool
}

type engine interface {
	IsNewFirmwareAvailable(ctx context.Context) (bool, error)
	DownloadFirmwareFiles(ctx context.Context) error
}

type poster interface {
	PostAttributes(ctx context.Context, rec marker.Record) error
}

type proc interface {
	KillProcess() error
}

type restarter interface {
	RestartUnit(ctx context.Context, unit string) error
}

// Config tunes the loop and the post-synchronization handover.
type Config struct {
	InitialDelay time.Duration
	PollInterval time.Duration

	// RestartUnit names a systemd unit to restart after a
	// synchronization. When empty and ExitOnUpdate is set, the agent's own
	// process exits instead so a supervisor relaunches it.
	RestartUnit   string
	SystemdSocket string
	ExitOnUpdate  bool
}

func New(log logging.Logger, engine *updater.Updater, store *thingsboard.Client, cfg Config) (*Agent, error) {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialPollDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultUpdatePollInterval
	}
	a := &Agent{
		log:          log,
		proc:         &osProc{},
		posted:       cache.NewLastPosted(),
		initialDelay: cfg.InitialDelay,
		pollInterval: cfg.PollInterval,
		restartUnit:  cfg.RestartUnit,
		exitOnUpdate: cfg.ExitOnUpdate,
	}
	if engine != nil {
		a.engine = engine
	}
	if store != nil {
		a.poster = store
	}
	if cfg.RestartUnit != "" {
		a.restarter = restart.NewSystemd(log, cfg.SystemdSocket)
	}
	return a, nil
}

func (a *Agent) checkProviders() error {
	switch {
	case a.engine == nil:
		return errors.New("update engine is nil")
	case a.poster == nil:
		return errors.New("attribute poster is nil")
	}
	return nil
}

func (a *Agent) Run(ctx context.Context) error {
	if err := a.checkProviders(); err != nil {
		return errors.WithMessage(err, "misconfigured")
	}
	a.log.Debug("starting")
	defer a.log.Debug("finished")

	group := workgroup.WithContext(ctx)
	group.Work(a.periodicUpdateChecker)
	return group.Wait()
}

func (a *Agent) periodicUpdateChecker(ctx context.Context) error {
	timer := time.NewTimer(a.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			a.checkAndUpdate(ctx)
		}
		timer.Reset(a.pollInterval)
	}
}

// checkAndUpdate drives one poll. Failures are logged and left for the next
// poll rather than stopping the loop.
func (a *Agent) checkAndUpdate(ctx context.Context) {
	available, err := a.engine.IsNewFirmwareAvailable(ctx)
	if err != nil {
		a.log.WithError(err).Error("update check failed")
		return
	}
	if err := a.setUpdateAvailable(ctx, available); err != nil {
		a.log.WithError(err).Error("unable to post availability")
	}
	if !available {
		a.log.Debug("firmware is current")
		return
	}

	a.log.Info("new firmware assigned")
	if err := a.engine.DownloadFirmwareFiles(ctx); err != nil {
		a.log.WithError(err).Error("synchronization failed")
		return
	}
	if err := a.setUpdateAvailable(ctx, false); err != nil {
		a.log.WithError(err).Warn("unable to clear availability")
	}
	a.afterUpdate(ctx)
}

func (a *Agent) setUpdateAvailable(ctx context.Context, available bool) error {
	rec := marker.Record{marker.UpdateAvailableKey: marker.UpdateUnavailable}
	if available {
		rec[marker.UpdateAvailableKey] = marker.UpdateAvailable
	}
	if a.posted.Unchanged(availabilityName, rec) {
		a.log.Debug("availability unchanged")
		return nil
	}
	if err := a.poster.PostAttributes(ctx, rec); err != nil {
		return errors.WithMessage(err, "unable to post availability")
	}
	a.posted.Record(availabilityName, rec)
	return nil
}

// afterUpdate hands the device over to the freshly placed firmware.
func (a *Agent) afterUpdate(ctx context.Context) {
	switch {
	case a.restartUnit != "" && a.restarter != nil:
		a.log.WithField("unit", a.restartUnit).Info("restarting firmware unit")
		if err := a.restarter.RestartUnit(ctx, a.restartUnit); err != nil {
			a.log.WithError(err).Error("unable to restart firmware unit")
		}
	case a.exitOnUpdate:
		a.log.Info("exiting so the supervisor relaunches onto the new firmware")
		if a.proc != nil {
			a.proc.KillProcess()
		}
	default:
		a.log.Debug("leaving the running firmware in place")
	}
}

type osProc struct{}

// KillProcess takes the agent's own process down; the supervising init owns
// the relaunch.
func (*osProc) KillProcess() error {
	p, _ := os.FindProcess(os.Getpid())
	go p.Kill()
	return nil
}
