package runpipe

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// ErrRegistryClosed is returned by PoolFor once the registry is closed.
var ErrRegistryClosed = errors.New("registry closed")

// Registry owns one Scheduler per step name, so that every pipeline stage has its own
// concurrency ceiling shared by all the runs going through it.
type Registry struct {
	cfg       Config
	logger    *slog.Logger
	schedOpts []SchedulerOption

	mu        sync.RWMutex
	pools     map[string]*Scheduler
	overrides map[string]int
	closed    bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger, also handed to the schedulers. Defaults to slog.Default().
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithSchedulerOptions applies opts to every scheduler the registry creates.
func WithSchedulerOptions(opts ...SchedulerOption) RegistryOption {
	return func(r *Registry) { r.schedOpts = append(r.schedOpts, opts...) }
}

// NewRegistry validates cfg and builds an empty registry. Schedulers are created on first use.
func NewRegistry(cfg Config, opts ...RegistryOption) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:       cfg,
		logger:    slog.Default(),
		pools:     map[string]*Scheduler{},
		overrides: map[string]int{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the configuration the registry was built with.
func (r *Registry) Config() Config { return r.cfg }

// StepConfig resolves the configuration of step, taking SetConcurrencyLimit overrides into account.
func (r *Registry) StepConfig(step string) (StepConfig, error) {
	sc, err := r.cfg.For(step)
	if err != nil {
		return StepConfig{}, err
	}
	r.mu.RLock()
	if n, ok := r.overrides[step]; ok {
		sc.Concurrency = n
	}
	r.mu.RUnlock()
	return sc, nil
}

// Timeout returns the watchdog bound of step.
func (r *Registry) Timeout(step string) time.Duration {
	sc, err := r.StepConfig(step)
	if err != nil {
		return DefaultStepTimeout
	}
	return sc.Timeout
}

// PoolFor returns the scheduler of step, creating it with the step's concurrency on first use.
func (r *Registry) PoolFor(step string) (*Scheduler, error) {
	r.mu.RLock()
	s, ok := r.pools[step]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	if closed {
		return nil, ErrRegistryClosed
	}

	sc, err := r.StepConfig(step)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if s, ok := r.pools[step]; ok {
		return s, nil
	}
	if n, ok := r.overrides[step]; ok {
		sc.Concurrency = n
	}
	opts := append([]SchedulerOption{WithSchedulerLogger(r.logger)}, r.schedOpts...)
	s, err = NewScheduler(step, sc.Concurrency, opts...)
	if err != nil {
		return nil, err
	}
	r.pools[step] = s
	r.logger.Debug("pool created", "step", step, "concurrency", sc.Concurrency)
	return s, nil
}

// SetConcurrencyLimit changes the limit of step, whether its scheduler exists yet or not.
func (r *Registry) SetConcurrencyLimit(step string, n int) error {
	if n < 1 {
		return fmt.Errorf("%w: step %q: concurrency must be at least 1, got %d", ErrInvalidConfig, step, n)
	}
	r.mu.Lock()
	r.overrides[step] = n
	s, ok := r.pools[step]
	r.mu.Unlock()

	if ok {
		return s.SetMaxConcurrency(n)
	}
	return nil
}

// Status reports every known step: those with a scheduler and those named in the configuration.
func (r *Registry) Status() map[string]PoolStatus {
	r.mu.RLock()
	pools := lo.Assign(r.pools)
	r.mu.RUnlock()

	status := make(map[string]PoolStatus, len(pools)+len(r.cfg.Steps))
	for name := range r.cfg.Steps {
		sc, err := r.StepConfig(name)
		if err != nil {
			continue
		}
		status[name] = PoolStatus{Limit: sc.Concurrency}
	}
	for name, s := range pools {
		status[name] = s.Status()
	}
	return status
}

// Steps returns the names of the steps with a scheduler, sorted.
func (r *Registry) Steps() []string {
	r.mu.RLock()
	names := lo.Keys(r.pools)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Close closes every scheduler. Further PoolFor calls fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	pools := lo.Values(r.pools)
	r.mu.Unlock()

	for _, s := range pools {
		s.Close()
	}
}
