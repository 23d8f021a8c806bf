package runpipe

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConcurrency = 5
	DefaultStepTimeout = 10 * time.Minute
)

// ErrUnknownStep is returned in strict mode for a step with no configuration entry.
var ErrUnknownStep = errors.New("unknown step")

// StepConfig bounds one named step. Zero fields inherit from Config.Defaults.
type StepConfig struct {
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// Config is the typed per-step configuration of a Registry.
//
//	defaults:
//	  concurrency: 5
//	  timeout: 10m
//	strict: true
//	steps:
//	  edit:
//	    concurrency: 3
//	    timeout: 5m
//	  render:
//	    concurrency: 10
type Config struct {
	Defaults StepConfig            `yaml:"defaults" json:"defaults"`
	Steps    map[string]StepConfig `yaml:"steps" json:"steps"`
	// Strict rejects steps without an entry in Steps instead of falling back to Defaults.
	Strict bool `yaml:"strict" json:"strict"`
}

// DefaultConfig returns a lenient configuration with the package defaults.
func DefaultConfig() Config {
	return Config{
		Defaults: StepConfig{Concurrency: DefaultConcurrency, Timeout: DefaultStepTimeout},
		Steps:    map[string]StepConfig{},
	}
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", filename, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates a YAML configuration.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if err := c.Defaults.validate(); err != nil {
		return fmt.Errorf("%w: defaults: %v", ErrInvalidConfig, err)
	}
	for _, name := range lo.Keys(c.Steps) {
		if name == "" {
			return fmt.Errorf("%w: step name is required", ErrInvalidConfig)
		}
		if err := c.Steps[name].validate(); err != nil {
			return fmt.Errorf("%w: step %q: %v", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

func (sc StepConfig) validate() error {
	if sc.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", sc.Concurrency)
	}
	if sc.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", sc.Timeout)
	}
	return nil
}

// For resolves the effective configuration of step.
func (c Config) For(step string) (StepConfig, error) {
	sc, ok := c.Steps[step]
	if !ok && c.Strict {
		return StepConfig{}, fmt.Errorf("%w %q", ErrUnknownStep, step)
	}
	if sc.Concurrency == 0 {
		sc.Concurrency = lo.Ternary(c.Defaults.Concurrency > 0, c.Defaults.Concurrency, DefaultConcurrency)
	}
	if sc.Timeout == 0 {
		sc.Timeout = lo.Ternary(c.Defaults.Timeout > 0, c.Defaults.Timeout, DefaultStepTimeout)
	}
	return sc, nil
}
