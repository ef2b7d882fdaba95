package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/roehann/cota/pkg/agent"
	"github.com/roehann/cota/pkg/config"
	"github.com/roehann/cota/pkg/fsync"
	"github.com/roehann/cota/pkg/github"
	"github.com/roehann/cota/pkg/logging"
	"github.com/roehann/cota/pkg/sigcontext"
	"github.com/roehann/cota/pkg/thingsboard"
	"github.com/roehann/cota/pkg/updater"
	"github.com/roehann/cota/pkg/workgroup"
)

func main() {
	app := &cli.App{
		Name:  "cota",
		Usage: "keep a device's firmware synchronized with its assignment",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "settings",
				Aliases: []string{"s"},
				Usage:   "path to the settings file",
				Value:   config.DefaultPath,
				EnvVars: []string{"COTA_SETTINGS"},
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "override the synchronized directory from settings",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level regardless of settings",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				return logging.Set(logging.Level("debug"))
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "agent",
				Usage:  "run the polling agent",
				Action: runAgent,
			},
			{
				Name:        "check",
				Usage:       "ask whether new firmware is assigned",
				Description: "Exits 0 when new firmware is assigned, 1 when the device is current, 2 on error.",
				Action:      runCheck,
			},
			{
				Name:   "apply",
				Usage:  "synchronize the device tree with the assignment now",
				Action: runApply,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.New("main").WithError(err).Fatal("stopped")
	}
}

func runAgent(c *cli.Context) error {
	ctx, cancel := sigcontext.WithSignalCancel(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := logging.New("main")

	// Debuggable builds log far more than a release build running with
	// --debug; they are distinct binaries meant for bench devices.
	if logging.Debuggable {
		log.Warn("logging.Debuggable build: expect large volumes of logs")
		delay := 3 * time.Second
		log.WithField("delay", delay).Warn("delaying start of logging.Debuggable build")
		time.Sleep(delay)
		log.Info("starting logging.Debuggable build")
	}

	settings := c.String("settings")
	for {
		cfg, err := loadSettings(c)
		if err != nil {
			return errors.WithMessage(err, "unable to load settings")
		}
		if !c.Bool("debug") {
			logging.Set(logging.Level(cfg.Agent.LogLevel))
		}

		err = runSupervised(ctx, settings, cfg)
		if errors.Is(err, config.ErrChanged) {
			log.Info("settings changed, reloading")
			continue
		}
		return errors.WithMessage(err, "run error")
	}
}

// runSupervised runs the agent alongside a settings watcher; either one
// stopping stops the other.
func runSupervised(ctx context.Context, settings string, cfg config.Config) error {
	engine, store, err := buildEngine(settings, cfg)
	if err != nil {
		return err
	}
	a, err := agent.New(logging.New("agent"), engine, store, agent.Config{
		InitialDelay:  cfg.InitialDelay(),
		PollInterval:  cfg.PollInterval(),
		RestartUnit:   cfg.Agent.RestartUnit,
		SystemdSocket: cfg.Agent.SystemdSocket,
		ExitOnUpdate:  cfg.Agent.ExitOnUpdate,
	})
	if err != nil {
		return err
	}

	group := workgroup.WithContext(ctx)
	group.Work(a.Run)
	group.Work(func(ctx context.Context) error {
		return config.Watch(ctx, logging.New("config"), settings)
	})
	return group.Wait()
}

func runCheck(c *cli.Context) error {
	ctx, cancel := sigcontext.WithSignalCancel(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := logging.New("check")
	cfg, err := loadSettings(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	engine, _, err := buildEngine(c.String("settings"), cfg)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	available, err := engine.IsNewFirmwareAvailable(ctx)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if !available {
		log.Info("firmware is current")
		return cli.Exit("", 1)
	}
	log.Info("new firmware is assigned")
	return nil
}

func runApply(c *cli.Context) error {
	ctx, cancel := sigcontext.WithSignalCancel(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := logging.New("apply")
	cfg, err := loadSettings(c)
	if err != nil {
		return errors.WithMessage(err, "unable to load settings")
	}
	engine, _, err := buildEngine(c.String("settings"), cfg)
	if err != nil {
		return err
	}

	available, err := engine.IsNewFirmwareAvailable(ctx)
	if err != nil {
		return err
	}
	if !available {
		log.Info("firmware is current")
		return nil
	}
	return engine.DownloadFirmwareFiles(ctx)
}

// loadSettings reads the settings file named on the command line and folds
// in the flags that override it.
func loadSettings(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("settings"))
	if err != nil {
		return config.Config{}, err
	}
	if root := c.String("root"); root != "" {
		cfg.Device.Root = root
	}
	return cfg, nil
}

// buildEngine assembles the synchronization engine from settings: the
// attribute store client, the preserved device tree, and a source factory
// that builds a repository client for whichever URL the assignment puts in
// effect.
func buildEngine(settings string, cfg config.Config) (*updater.Updater, *thingsboard.Client, error) {
	store, err := thingsboard.New(logging.New("thingsboard"), thingsboard.Config{
		URL:     cfg.ThingsBoard.URL,
		Port:    cfg.ThingsBoard.Port,
		Token:   cfg.ThingsBoard.Token,
		Timeout: cfg.StoreTimeout(),
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "attribute store")
	}

	paths := append([]string{}, cfg.Device.Preserve...)
	paths = append(paths, fsync.SelfPreserve(cfg.Device.Root, settings)...)
	preserve, err := fsync.NewPreserveSet(paths...)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "preserve set")
	}
	fsLog := logging.New("fsync")
	fs, err := fsync.New(fsLog, cfg.Device.Root, preserve)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "device tree")
	}
	fsLog.WithField("root", fs.Root()).WithField("preserve", fs.Preserved()).Info("synchronizing directory")

	newSource := func(repoURL string) (updater.Source, error) {
		repo, err := github.ParseRepoURL(repoURL)
		if err != nil {
			return nil, err
		}
		src, err := github.New(logging.New("github"), github.Config{
			Repo:   repo,
			Branch: cfg.Repository.Branch,
			Token:  cfg.Repository.Token,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	engine, err := updater.New(logging.New("updater"), store, newSource, fs, updater.Config{
		RepositoryURL: cfg.Repository.URL,
		HashAttempts:  cfg.Agent.HashAttempts,
		RetryDelay:    cfg.RetryDelay(),
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, store, nil
}
