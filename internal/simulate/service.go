// Package simulate drives runpipe with a slide editing workflow against an in-process fake of the
// editing service, so that pool sizes and timeouts can be tuned without the real backend.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// ErrServiceFailure is returned by calls the fake service decides to fail.
var ErrServiceFailure = errors.New("service call failed")

// Settings shape the behaviour of the fake service.
type Settings struct {
	// Latency is the mean duration of a call. Actual calls last between 0.5 and 1.5 times it.
	Latency time.Duration `yaml:"latency" json:"latency"`
	// FailureRate is the probability, between 0 and 1, that a call fails.
	FailureRate float64 `yaml:"failure_rate" json:"failure_rate"`
	Seed        uint64  `yaml:"seed" json:"seed"`
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.Latency < 0 {
		return fmt.Errorf("latency must not be negative, got %s", s.Latency)
	}
	if s.FailureRate < 0 || s.FailureRate > 1 {
		return fmt.Errorf("failure rate must be between 0 and 1, got %g", s.FailureRate)
	}
	return nil
}

// Service is the fake editing service. It is safe for concurrent use.
type Service struct {
	settings Settings

	mu  sync.Mutex
	rng *rand.Rand

	calls    atomic.Int64
	sessions atomic.Int64
	open     atomic.Int64
}

// NewService builds a fake service.
func NewService(settings Settings) (*Service, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		settings: settings,
		rng:      rand.New(rand.NewPCG(settings.Seed, settings.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Connect opens a session. It fits resource.New as the create function.
func (s *Service) Connect(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.open.Add(1)
	return &Session{id: s.sessions.Add(1), svc: s}, nil
}

// Disconnect closes a session. It fits resource.WithDestroy.
func (s *Service) Disconnect(c *Session) error {
	if !c.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("session %d already closed", c.id)
	}
	s.open.Add(-1)
	return nil
}

// Calls returns the number of calls made so far.
func (s *Service) Calls() int64 { return s.calls.Load() }

// Sessions returns the number of sessions ever opened.
func (s *Service) Sessions() int64 { return s.sessions.Load() }

// Open returns the number of sessions currently open.
func (s *Service) Open() int64 { return s.open.Load() }

// draw returns the latency and the failure decision of the next call.
func (s *Service) draw() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latency := time.Duration(float64(s.settings.Latency) * (0.5 + s.rng.Float64()))
	return latency, s.rng.Float64() < s.settings.FailureRate
}

// Session is one connection to the Service.
type Session struct {
	id     int64
	svc    *Service
	closed atomic.Bool
}

// ID identifies the session.
func (c *Session) ID() int64 { return c.id }

// Call performs op, waiting for its latency unless ctx is done first.
func (c *Session) Call(ctx context.Context, op string) error {
	if c.closed.Load() {
		return fmt.Errorf("%s: session %d is closed", op, c.id)
	}
	c.svc.calls.Add(1)
	latency, fail := c.svc.draw()
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, context.Cause(ctx))
		}
	}
	if fail {
		return fmt.Errorf("%s: %w", op, ErrServiceFailure)
	}
	return nil
}

// Ping checks that the session is usable. It fits resource.WithValidator.
func (c *Session) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("session %d is closed", c.id)
	}
	return ctx.Err()
}
