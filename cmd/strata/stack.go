package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/executor"
	"github.com/samcharles93/strata/internal/handler"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/scheduler"
)

// stack is one backend serving one model through an embedding engine and a
// generation engine.
type stack struct {
	dev   device.Backend
	model *model.Model
	gen   *engine.Engine
	emb   *engine.Engine
}

func loadModel(cfg ModelConfig, log logger.Logger) (*model.Model, error) {
	if cfg.Weights == "" {
		log.Warn("no weights configured, using random weights", "vocab", cfg.Random.Vocab, "hidden", cfg.Random.Hidden, "seed", cfg.Seed)
		return model.Random(cfg.Random, cfg.Seed)
	}
	m, err := model.Load(cfg.Weights)
	if err != nil {
		return nil, err
	}
	log.Info("loaded weights", "path", cfg.Weights, "vocab", m.VocabSize(), "hidden", m.HiddenSize())
	return m, nil
}

func openStack(ctx context.Context, cfg Config, sup engine.Supervisor, log logger.Logger) (_ *stack, err error) {
	m, err := loadModel(cfg.Model, log)
	if err != nil {
		return nil, err
	}
	h, err := handler.New(cfg.Model.Handler, m)
	if err != nil {
		return nil, err
	}

	dev, err := backend.Open(cfg.Backend, cfg.Device, log)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	s := &stack{dev: dev, model: m}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()
	log.Info("backend ready", "device", dev.Properties().String(), "memory", dev.Properties().TotalMemory)

	schedCfg := schedulerConfig(cfg.Scheduler, m)
	log.Debug("scheduler memory estimate", "bytes_per_token", schedCfg.BytesPerToken)

	start := func(name string, h handler.Handler) (*engine.Engine, error) {
		sched, err := scheduler.New(schedCfg, dev, log.With("engine", name))
		if err != nil {
			return nil, err
		}
		eng, err := engine.New(sched, executor.New(dev, m, h, log.With("engine", name)), engine.Options{
			Name:       name,
			Config:     cfg.Engine,
			Supervisor: sup,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		return eng, eng.Start(ctx)
	}
	if s.emb, err = start("embed", h); err != nil {
		return nil, fmt.Errorf("start embedding engine: %w", err)
	}
	if s.gen, err = start("generate", nil); err != nil {
		return nil, fmt.Errorf("start generation engine: %w", err)
	}
	return s, nil
}

// schedulerConfig derives BytesPerToken from the model when it is unset. A
// pass holds, per token, its id, a hidden row and at most one logits row of
// float32.
func schedulerConfig(cfg scheduler.Config, m *model.Model) scheduler.Config {
	if cfg.BytesPerToken == 0 {
		cfg.BytesPerToken = uint64(4 + 4*m.HiddenSize() + 4*m.VocabSize())
	}
	return cfg
}

// Close stops both engines before releasing the backend.
func (s *stack) Close() {
	if s.gen != nil {
		s.gen.Stop()
	}
	if s.emb != nil {
		s.emb.Stop()
	}
	if s.dev != nil {
		_ = s.dev.Close()
	}
}

// logReports is the default supervisor: it records every engine state change.
func logReports(log logger.Logger) engine.Supervisor {
	return func(r engine.Report) {
		switch r.State {
		case engine.Quarantined:
			log.Error("engine quarantined", "engine", r.Engine, "faults", r.Faults, "error", r.Err)
		case engine.Degraded:
			log.Warn("engine degraded", "engine", r.Engine, "faults", r.Faults, "error", r.Err)
		default:
			log.Info("engine state changed", "engine", r.Engine, "state", r.State)
		}
	}
}
