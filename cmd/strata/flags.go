package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/scheduler"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// Flags below are read through cmd.IsSet so config file values survive
// unless overridden.

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "backend",
			Usage: "execution backend (auto, cpu, cuda)",
			Value: "auto",
		},
		&cli.Int64Flag{
			Name:  "device-id",
			Usage: "device ordinal",
		},
		&cli.Uint64Flag{
			Name:  "memory-limit",
			Usage: "device memory limit in bytes for the cpu backend",
		},
		&cli.Uint64Flag{
			Name:  "host-memory-limit",
			Usage: "pinned host memory limit in bytes for the cpu backend",
		},
		&cli.Uint64Flag{
			Name:  "preserved-memory",
			Usage: "device bytes held back from admission",
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "weights",
			Aliases: []string{"w"},
			Usage:   "path to a .safetensors weights file (random weights when empty)",
		},
		&cli.StringFlag{
			Name:  "handler",
			Usage: "embedding handler (dense, sparse, colbert, classifier)",
			Value: "dense",
		},
		&cli.Int64Flag{
			Name:  "vocab",
			Usage: "vocabulary size for random weights",
			Value: int64(defaultModel().Vocab),
		},
		&cli.Int64Flag{
			Name:  "hidden",
			Usage: "hidden size for random weights",
			Value: int64(defaultModel().Hidden),
		},
	}
}

func schedulerFlags() []cli.Flag {
	def := scheduler.DefaultConfig()
	eng := engine.DefaultConfig()
	return []cli.Flag{
		&cli.Int64Flag{
			Name:  "max-batch-size",
			Usage: "maximum streams per forward pass",
			Value: int64(def.MaxBatchSize),
		},
		&cli.Int64Flag{
			Name:  "max-queue-size",
			Usage: "maximum waiting streams per engine (0 = unbounded)",
			Value: int64(def.MaxQueueSize),
		},
		&cli.Uint64Flag{
			Name:  "bytes-per-token",
			Usage: "device memory estimate per token used for admission (0 derives it from the model)",
		},
		&cli.DurationFlag{
			Name:  "idle-wait",
			Usage: "how long an idle engine parks before polling again",
			Value: def.IdleWait,
		},
		&cli.Float64Flag{
			Name:  "admission-rate",
			Usage: "accepted streams per second per engine (0 disables)",
		},
		&cli.Int64Flag{
			Name:  "admission-burst",
			Usage: "admission token bucket size",
		},
		&cli.Int64Flag{
			Name:  "max-step-retries",
			Usage: "consecutive faulted steps tolerated before quarantine",
			Value: int64(eng.MaxStepRetries),
		},
		&cli.DurationFlag{
			Name:  "retry-backoff",
			Usage: "initial backoff after a faulted step",
			Value: eng.RetryBackoff,
		},
	}
}

func tracingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "export OpenTelemetry spans",
		},
		&cli.StringFlag{
			Name:  "trace-output",
			Usage: "file receiving exported spans (stdout when empty)",
		},
	}
}
