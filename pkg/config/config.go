// Package config loads the device's settings.toml, layers environment
// overrides on top, and validates the result before anything destructive gets
// constructed from it.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/roehann/cota/pkg/github"
)

// DefaultPath is where device images place the settings file.
const DefaultPath = "/etc/cota/settings.toml"

// Environment variables override their settings.toml counterparts, letting
// provisioning inject per-device values without templating the file.
const (
	EnvStoreURL   = "THINGSBOARD_URL"
	EnvStorePort  = "THINGSBOARD_PORT"
	EnvStoreToken = "THINGSBOARD_DEVICE_TOKEN"
	EnvRepoURL    = "OTA_REPOSITORY_URL"
	EnvRepoToken  = "OTA_REPOSITORY_TOKEN"
	EnvRoot       = "OTA_DEVICE_ROOT"
	EnvLogLevel   = "OTA_LOG_LEVEL"
)

type Config struct {
	ThingsBoard ThingsBoard `toml:"thingsboard"`
	Repository  Repository  `toml:"repository"`
	Device      Device      `toml:"device"`
	Agent       Agent       `toml:"agent"`
}

// ThingsBoard locates the attribute store.
type ThingsBoard struct {
	URL            string `toml:"url"`
	Port           int    `toml:"port"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Repository names the default firmware source. It may stay empty when every
// assignment carries its own repository URL.
type Repository struct {
	URL string `toml:"url"`
	// Branch is validated when a check runs, not here; only the served
	// branch works.
	Branch string `toml:"branch"`
	Token  string `toml:"token"`
}

// Device describes the synchronized tree.
type Device struct {
	Root string `toml:"root"`
	// Preserve lists the paths a synchronization must not touch. It can
	// never be empty; the agent's own footprint is added automatically.
	Preserve []string `toml:"preserve"`
}

// Agent tunes the polling loop and the post-update handover.
type Agent struct {
	PollSeconds         int    `toml:"poll_seconds"`
	InitialDelaySeconds int    `toml:"initial_delay_seconds"`
	HashAttempts        int    `toml:"hash_attempts"`
	RetryDelaySeconds   int    `toml:"retry_delay_seconds"`
	RestartUnit         string `toml:"restart_unit"`
	SystemdSocket       string `toml:"systemd_socket"`
	ExitOnUpdate        bool   `toml:"exit_on_update"`
	LogLevel            string `toml:"log_level"`
}

// Default returns the configuration a bare settings file starts from.
func Default() Config {
	return Config{
		Repository: Repository{
			Branch: github.DefaultBranch,
		},
		Device: Device{
			Root: "/var/lib/cota/firmware",
		},
		Agent: Agent{
			PollSeconds:         300,
			InitialDelaySeconds: 60,
			HashAttempts:        3,
			RetryDelaySeconds:   5,
			LogLevel:            "info",
		},
	}
}

// Load reads and validates the settings file at path.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading settings")
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing settings %s", path)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.WithMessagef(err, "settings %s", path)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvStoreURL); v != "" {
		cfg.ThingsBoard.URL = v
	}
	if v := os.Getenv(EnvStorePort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parsing %s", EnvStorePort)
		}
		cfg.ThingsBoard.Port = port
	}
	if v := os.Getenv(EnvStoreToken); v != "" {
		cfg.ThingsBoard.Token = v
	}
	if v := os.Getenv(EnvRepoURL); v != "" {
		cfg.Repository.URL = v
	}
	if v := os.Getenv(EnvRepoToken); v != "" {
		cfg.Repository.Token = v
	}
	if v := os.Getenv(EnvRoot); v != "" {
		cfg.Device.Root = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Agent.LogLevel = v
	}
	return nil
}

// Validate rejects settings the engine could not safely start from. The
// repository branch is deliberately not checked here: a wrong branch is
// reported through a check, where the operator watching attributes sees it.
func (c Config) Validate() error {
	switch {
	case c.ThingsBoard.URL == "":
		return errors.New("thingsboard.url must be set")
	case c.ThingsBoard.Token == "":
		return errors.New("thingsboard.token must be set")
	case c.ThingsBoard.Port < 0:
		return errors.Errorf("thingsboard.port %d is negative", c.ThingsBoard.Port)
	case c.Device.Root == "":
		return errors.New("device.root must be set")
	case len(c.Device.Preserve) == 0:
		return errors.New("device.preserve must name at least one path")
	case c.Agent.PollSeconds <= 0:
		return errors.Errorf("agent.poll_seconds %d must be positive", c.Agent.PollSeconds)
	case c.Agent.InitialDelaySeconds < 0:
		return errors.Errorf("agent.initial_delay_seconds %d is negative", c.Agent.InitialDelaySeconds)
	case c.Agent.HashAttempts <= 0:
		return errors.Errorf("agent.hash_attempts %d must be positive", c.Agent.HashAttempts)
	case c.Agent.RetryDelaySeconds < 0:
		return errors.Errorf("agent.retry_delay_seconds %d is negative", c.Agent.RetryDelaySeconds)
	}
	return nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Agent.PollSeconds) * time.Second
}

func (c Config) InitialDelay() time.Duration {
	return time.Duration(c.Agent.InitialDelaySeconds) * time.Second
}

func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Agent.RetryDelaySeconds) * time.Second
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.ThingsBoard.TimeoutSeconds) * time.Second
}
