package main

import (
	"fmt"

	"github.com/fogfactory/runpipe"
	"github.com/fogfactory/runpipe/internal/env"
	"github.com/fogfactory/runpipe/internal/simulate"
	"github.com/fogfactory/runpipe/resource"
	"github.com/samber/lo"
)

const envPrefix = "RUNPIPE"

// applyEnv overrides cfg with RUNPIPE_DEFAULT_CONCURRENCY, RUNPIPE_DEFAULT_TIMEOUT and their
// RUNPIPE_<STEP>_* counterparts for every step of steps.
func applyEnv(cfg runpipe.Config, steps []string) (runpipe.Config, error) {
	var err error
	if cfg.Defaults, err = stepFromEnv(cfg.Defaults, "default"); err != nil {
		return cfg, err
	}
	cfg.Steps = lo.Assign(cfg.Steps)
	for _, step := range steps {
		sc, err := stepFromEnv(cfg.Steps[step], step)
		if err != nil {
			return cfg, err
		}
		if sc != (runpipe.StepConfig{}) {
			cfg.Steps[step] = sc
		}
	}
	if cfg.Strict, err = env.Bool(env.Key(envPrefix, "strict"), cfg.Strict); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func stepFromEnv(sc runpipe.StepConfig, step string) (runpipe.StepConfig, error) {
	var err error
	if sc.Concurrency, err = env.Int(env.Key(envPrefix, step, "concurrency"), sc.Concurrency); err != nil {
		return sc, err
	}
	if sc.Timeout, err = env.Duration(env.Key(envPrefix, step, "timeout"), sc.Timeout); err != nil {
		return sc, err
	}
	return sc, nil
}

// settingsFromEnv overrides the fake service settings with RUNPIPE_LATENCY, RUNPIPE_FAILURE_RATE
// and RUNPIPE_SEED.
func settingsFromEnv(s simulate.Settings) (simulate.Settings, error) {
	var err error
	if s.Latency, err = env.Duration(env.Key(envPrefix, "latency"), s.Latency); err != nil {
		return s, err
	}
	if s.FailureRate, err = env.Float(env.Key(envPrefix, "failure-rate"), s.FailureRate); err != nil {
		return s, err
	}
	seed, err := env.Int(env.Key(envPrefix, "seed"), int(s.Seed))
	if err != nil {
		return s, err
	}
	if seed < 0 {
		return s, fmt.Errorf("parse %s: negative seed %d", env.Key(envPrefix, "seed"), seed)
	}
	s.Seed = uint64(seed)
	return s, s.Validate()
}

// clientsFromEnv overrides the client pool bounds with RUNPIPE_CLIENTS_* variables.
func clientsFromEnv(cfg resource.Config) (resource.Config, error) {
	var err error
	if cfg.MaxSize, err = env.Int(env.Key(envPrefix, "clients", "max-size"), cfg.MaxSize); err != nil {
		return cfg, err
	}
	if cfg.IdleTimeout, err = env.Duration(env.Key(envPrefix, "clients", "idle-timeout"), cfg.IdleTimeout); err != nil {
		return cfg, err
	}
	if cfg.AcquireTimeout, err = env.Duration(env.Key(envPrefix, "clients", "acquire-timeout"), cfg.AcquireTimeout); err != nil {
		return cfg, err
	}
	if cfg.MaxHoldDuration, err = env.Duration(env.Key(envPrefix, "clients", "max-hold"), cfg.MaxHoldDuration); err != nil {
		return cfg, err
	}
	if cfg.MaxSize < 1 {
		return cfg, fmt.Errorf("%s must be at least 1, got %d", env.Key(envPrefix, "clients", "max-size"), cfg.MaxSize)
	}
	return cfg, nil
}
