package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/strata/internal/api"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/scheduler"
)

type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	// ExitOnQuarantine shuts the server down when an engine quarantines so
	// a process supervisor can restart it.
	ExitOnQuarantine bool `yaml:"exit_on_quarantine"`
}

type ModelConfig struct {
	Weights string `yaml:"weights"`
	Handler string `yaml:"handler"`
	// Random shapes the model used when Weights is empty.
	Random model.Config `yaml:"random"`
	Seed   int64        `yaml:"seed"`
}

type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
}

// Config is the strata configuration file
// ($XDG_CONFIG_HOME/strata/config.yaml). Missing fields keep their defaults.
type Config struct {
	Backend   string           `yaml:"backend"`
	LogLevel  string           `yaml:"log_level"`
	LogFormat string           `yaml:"log_format"`
	Device    device.Config    `yaml:"device"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Engine    engine.Config    `yaml:"engine"`
	API       api.Config       `yaml:"api"`
	Server    ServerConfig     `yaml:"server"`
	Model     ModelConfig      `yaml:"model"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

func defaultModel() model.Config {
	return model.Config{Vocab: 256, Hidden: 64, EOSTokenID: 0, MaxNewTokens: 64}
}

func DefaultConfig() Config {
	return Config{
		Backend:   "auto",
		LogLevel:  "info",
		LogFormat: "pretty",
		Scheduler: scheduler.DefaultConfig(),
		Engine:    engine.DefaultConfig(),
		API:       api.DefaultConfig(),
		Server: ServerConfig{
			Address:           "127.0.0.1:8080",
			ReadHeaderTimeout: 30 * time.Second,
		},
		Model: ModelConfig{
			Handler: "dense",
			Random:  defaultModel(),
			Seed:    1,
		},
	}
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strata", "config.yaml")
}

// LoadConfig reads path over the defaults. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overrides file values with flags set on the command line.
func (c *Config) applyFlags(cmd *cli.Command) {
	setString := func(name string, dst *string) {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	setInt := func(name string, dst *int) {
		if cmd.IsSet(name) {
			*dst = int(cmd.Int64(name))
		}
	}
	setUint := func(name string, dst *uint64) {
		if cmd.IsSet(name) {
			*dst = cmd.Uint64(name)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if cmd.IsSet(name) {
			*dst = cmd.Duration(name)
		}
	}

	setString("backend", &c.Backend)
	setInt("device-id", &c.Device.DeviceID)
	setUint("memory-limit", &c.Device.MemoryLimit)
	setUint("host-memory-limit", &c.Device.HostMemoryLimit)
	setUint("preserved-memory", &c.Device.PreservedBytes)

	setString("weights", &c.Model.Weights)
	setString("handler", &c.Model.Handler)
	setInt("vocab", &c.Model.Random.Vocab)
	setInt("hidden", &c.Model.Random.Hidden)

	setInt("max-batch-size", &c.Scheduler.MaxBatchSize)
	setInt("max-queue-size", &c.Scheduler.MaxQueueSize)
	setUint("bytes-per-token", &c.Scheduler.BytesPerToken)
	setDuration("idle-wait", &c.Scheduler.IdleWait)
	if cmd.IsSet("admission-rate") {
		c.Scheduler.AdmissionRate = cmd.Float64("admission-rate")
	}
	setInt("admission-burst", &c.Scheduler.AdmissionBurst)
	setInt("max-step-retries", &c.Engine.MaxStepRetries)
	setDuration("retry-backoff", &c.Engine.RetryBackoff)

	if cmd.IsSet("trace") {
		c.Tracing.Enabled = cmd.Bool("trace")
	}
	setString("trace-output", &c.Tracing.Output)
}

type configKey struct{}

// setup is the root Before hook: it loads the config file and installs the
// logger into the command context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = configPath()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return ctx, err
	}

	if cmd.IsSet("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = logFormat
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	log, err := logger.ForFormat(cfg.LogFormat, os.Stderr, logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		return ctx, err
	}

	ctx = logger.WithContext(ctx, log)
	return context.WithValue(ctx, configKey{}, cfg), nil
}

// configFrom returns the loaded configuration with cmd's flags applied.
func configFrom(ctx context.Context, cmd *cli.Command) Config {
	cfg, ok := ctx.Value(configKey{}).(Config)
	if !ok {
		cfg = DefaultConfig()
	}
	cfg.applyFlags(cmd)
	return cfg
}
