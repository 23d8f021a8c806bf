// Package resource pools long-lived handles to an external service, such as API clients.
//
// A Pool creates resources lazily up to MaxSize. Callers Acquire a resource, use it and Release it.
// When the pool is full, callers queue in FIFO order and a released resource is handed directly
// to the head of the queue. Idle resources are evicted in the background, and a resource held
// longer than MaxHoldDuration is released on the caller's behalf.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	ErrPoolTimeout = errors.New("resource pool: acquire timed out")
	ErrValidation  = errors.New("resource pool: validation failed")
	ErrPoolClosed  = errors.New("resource pool: closed")
)

// Config bounds a Pool. Zero durations disable the related feature.
type Config struct {
	MaxSize          int           `yaml:"max_size" json:"max_size"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	MaxHoldDuration  time.Duration `yaml:"max_hold_duration" json:"max_hold_duration"`
	EvictionInterval time.Duration `yaml:"eviction_interval" json:"eviction_interval"` // defaults to IdleTimeout/2
	ValidateOnBorrow bool          `yaml:"validate_on_borrow" json:"validate_on_borrow"`
}

// DefaultConfig returns the defaults used by the benchmark harness.
func DefaultConfig() Config {
	return Config{
		MaxSize:         10,
		IdleTimeout:     5 * time.Minute,
		AcquireTimeout:  30 * time.Second,
		MaxHoldDuration: 10 * time.Minute,
	}
}

// Stats is a point in time view of a Pool.
type Stats struct {
	Size     int `json:"size"`
	Idle     int `json:"idle"`
	InUse    int `json:"in_use"`
	Creating int `json:"creating"`
	Waiting  int `json:"waiting"`
}

type entry[R comparable] struct {
	resource   R
	lastUsedAt time.Time
	inUse      bool
	checkout   uint64
	holdTimer  *time.Timer
}

// grant is what a waiter receives: an entry already checked out for it, a reserved creation
// slot, or an error.
type grant[R comparable] struct {
	e        *entry[R]
	checkout uint64
	create   bool
	err      error
}

type waiter[R comparable] struct {
	ch chan grant[R]
}

// Pool is a bounded pool of R. R is compared with == to recognize released resources.
type Pool[R comparable] struct {
	cfg      Config
	create   func(context.Context) (R, error)
	destroy  func(R) error
	validate func(context.Context, R) error
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	entries   []*entry[R]
	creating  int
	waiters   []*waiter[R]
	checkouts uint64
	closed    bool

	stop        chan struct{}
	evictorDone chan struct{}
}

// Option configures a Pool.
type Option[R comparable] func(*Pool[R])

// WithDestroy is called on every resource leaving the pool.
func WithDestroy[R comparable](fn func(R) error) Option[R] {
	return func(p *Pool[R]) { p.destroy = fn }
}

// WithValidator checks a resource before handing it out when Config.ValidateOnBorrow is set.
func WithValidator[R comparable](fn func(context.Context, R) error) Option[R] {
	return func(p *Pool[R]) { p.validate = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger[R comparable](logger *slog.Logger) Option[R] {
	return func(p *Pool[R]) { p.logger = logger }
}

// WithClock replaces time.Now for idle bookkeeping.
func WithClock[R comparable](now func() time.Time) Option[R] {
	return func(p *Pool[R]) { p.now = now }
}

// New builds a pool creating resources with create.
func New[R comparable](cfg Config, create func(context.Context) (R, error), opts ...Option[R]) (*Pool[R], error) {
	if cfg.MaxSize < 1 {
		return nil, fmt.Errorf("resource pool: max size must be at least 1, got %d", cfg.MaxSize)
	}
	if create == nil {
		return nil, errors.New("resource pool: nil create function")
	}
	p := &Pool[R]{
		cfg:         cfg,
		create:      create,
		logger:      slog.Default(),
		now:         time.Now,
		stop:        make(chan struct{}),
		evictorDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.IdleTimeout > 0 {
		interval := cfg.EvictionInterval
		if interval <= 0 {
			interval = cfg.IdleTimeout / 2
		}
		go p.evictLoop(interval)
	} else {
		close(p.evictorDone)
	}
	return p, nil
}

// Acquire borrows a resource: an idle one if any, a new one while under MaxSize, otherwise the
// next one released, waiting in FIFO order. AcquireTimeout bounds the whole call, retries
// after a failed validation included.
func (p *Pool[R]) Acquire(ctx context.Context) (R, error) {
	var zero R
	var deadline time.Time
	if p.cfg.AcquireTimeout > 0 {
		deadline = time.Now().Add(p.cfg.AcquireTimeout)
	}
	for {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return zero, p.timeoutErr()
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPoolClosed
		}

		if e := p.popIdleLocked(); e != nil {
			id := p.checkoutLocked(e)
			p.mu.Unlock()
			if r, ok, err := p.borrow(ctx, e, id); ok || err != nil {
				return r, err
			}
			continue
		}

		if len(p.entries)+p.creating < p.cfg.MaxSize {
			p.creating++
			p.mu.Unlock()
			return p.createReserved(ctx)
		}

		w := &waiter[R]{ch: make(chan grant[R], 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		g, err := p.wait(ctx, w, deadline)
		switch {
		case err != nil:
			return zero, err
		case g.err != nil:
			return zero, g.err
		case g.create:
			return p.createReserved(ctx)
		}
		if r, ok, err := p.borrow(ctx, g.e, g.checkout); ok || err != nil {
			return r, err
		}
	}
}

// borrow validates an entry already checked out for the caller. A failed entry is destroyed and
// its slot used to create a replacement; ok is false only if the caller must look again.
func (p *Pool[R]) borrow(ctx context.Context, e *entry[R], checkout uint64) (R, bool, error) {
	var zero R
	if !p.cfg.ValidateOnBorrow || p.validate == nil {
		return e.resource, true, nil
	}
	verr := p.validate(ctx, e.resource)
	if verr == nil {
		return e.resource, true, nil
	}

	p.logger.Warn("resource failed validation", "error", verr)
	p.mu.Lock()
	if !p.removeLocked(e, checkout) {
		// Force released and possibly handed to someone else meanwhile.
		p.mu.Unlock()
		return zero, false, nil
	}
	p.creating++
	p.mu.Unlock()
	p.destroyAll([]*entry[R]{e})

	r, err := p.createReserved(ctx)
	if err != nil {
		return zero, false, fmt.Errorf("%w: %v; replacement: %w", ErrValidation, verr, err)
	}
	return r, true, nil
}

// createReserved creates a resource in a slot already counted in p.creating.
func (p *Pool[R]) createReserved(ctx context.Context) (R, error) {
	var zero R
	r, err := p.create(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.grantSlotsLocked()
		p.mu.Unlock()
		return zero, fmt.Errorf("resource pool: create: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		p.destroyResource(r)
		return zero, ErrPoolClosed
	}
	e := &entry[R]{resource: r}
	p.entries = append(p.entries, e)
	p.checkoutLocked(e)
	p.mu.Unlock()
	return r, nil
}

// wait blocks until w is granted, deadline passes (never if zero) or ctx is done.
func (p *Pool[R]) wait(ctx context.Context, w *waiter[R], deadline time.Time) (grant[R], error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case g := <-w.ch:
		return g, nil
	case <-timeout:
		return grant[R]{}, p.abandon(w, p.timeoutErr())
	case <-ctx.Done():
		return grant[R]{}, p.abandon(w, ctx.Err())
	}
}

func (p *Pool[R]) timeoutErr() error {
	return fmt.Errorf("%w after %s", ErrPoolTimeout, p.cfg.AcquireTimeout)
}

// abandon withdraws w from the queue. A grant that raced the withdrawal is given back.
func (p *Pool[R]) abandon(w *waiter[R], err error) error {
	p.mu.Lock()
	if idx := slices.Index(p.waiters, w); idx >= 0 {
		p.waiters = slices.Delete(p.waiters, idx, idx+1)
		p.mu.Unlock()
		return err
	}
	// Grants are sent under the lock, so one is buffered already.
	g := <-w.ch
	switch {
	case g.e != nil:
		p.releaseLocked(g.e)
	case g.create:
		p.creating--
		p.grantSlotsLocked()
	}
	p.mu.Unlock()
	return err
}

// Release gives r back. A queued waiter receives it directly. Releasing a resource this pool does
// not track, or one already released, only logs a warning.
func (p *Pool[R]) Release(r R) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(r)
	if e == nil {
		p.logger.Warn("release of a resource not tracked by this pool")
		return
	}
	if !e.inUse {
		p.logger.Warn("release of a resource already idle")
		return
	}
	p.releaseLocked(e)
}

// Evict destroys every resource idle for longer than IdleTimeout and returns how many it destroyed.
func (p *Pool[R]) Evict() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	p.mu.Lock()
	now := p.now()
	var victims []*entry[R]
	p.entries = slices.DeleteFunc(p.entries, func(e *entry[R]) bool {
		if !e.inUse && now.Sub(e.lastUsedAt) > p.cfg.IdleTimeout {
			victims = append(victims, e)
			return true
		}
		return false
	})
	p.grantSlotsLocked()
	p.mu.Unlock()

	if len(victims) > 0 {
		p.logger.Debug("evicted idle resources", "count", len(victims))
	}
	p.destroyAll(victims)
	return len(victims)
}

// Stats returns the current counts.
func (p *Pool[R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, e := range p.entries {
		if e.inUse {
			inUse++
		}
	}
	return Stats{
		Size:     len(p.entries),
		Idle:     len(p.entries) - inUse,
		InUse:    inUse,
		Creating: p.creating,
		Waiting:  len(p.waiters),
	}
}

// Close stops eviction, fails every waiter with ErrPoolClosed and destroys every tracked
// resource, idle or in use.
func (p *Pool[R]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := p.entries
	p.entries = nil
	for _, e := range all {
		if e.holdTimer != nil {
			e.holdTimer.Stop()
		}
	}
	for _, w := range p.waiters {
		w.ch <- grant[R]{err: ErrPoolClosed}
	}
	p.waiters = nil
	p.mu.Unlock()

	close(p.stop)
	<-p.evictorDone
	p.destroyAll(all)
}

func (p *Pool[R]) evictLoop(interval time.Duration) {
	defer close(p.evictorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Evict()
		}
	}
}

// popIdleLocked returns the most recently used idle entry.
func (p *Pool[R]) popIdleLocked() *entry[R] {
	var best *entry[R]
	for _, e := range p.entries {
		if !e.inUse && (best == nil || e.lastUsedAt.After(best.lastUsedAt)) {
			best = e
		}
	}
	return best
}

func (p *Pool[R]) checkoutLocked(e *entry[R]) uint64 {
	p.checkouts++
	id := p.checkouts
	e.inUse = true
	e.checkout = id
	e.lastUsedAt = p.now()
	if p.cfg.MaxHoldDuration > 0 {
		e.holdTimer = time.AfterFunc(p.cfg.MaxHoldDuration, func() { p.forceRelease(e, id) })
	}
	return id
}

// releaseLocked hands e to the oldest waiter, or marks it idle.
func (p *Pool[R]) releaseLocked(e *entry[R]) {
	if e.holdTimer != nil {
		e.holdTimer.Stop()
		e.holdTimer = nil
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = slices.Delete(p.waiters, 0, 1)
		id := p.checkoutLocked(e)
		w.ch <- grant[R]{e: e, checkout: id}
		return
	}
	e.inUse = false
	e.lastUsedAt = p.now()
}

func (p *Pool[R]) forceRelease(e *entry[R], checkout uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !e.inUse || e.checkout != checkout || p.findLocked(e.resource) != e {
		return
	}
	p.logger.Warn("resource held too long, releasing it", "max_hold", p.cfg.MaxHoldDuration)
	e.holdTimer = nil
	p.releaseLocked(e)
}

// grantSlotsLocked hands free creation slots to waiters.
func (p *Pool[R]) grantSlotsLocked() {
	for len(p.waiters) > 0 && len(p.entries)+p.creating < p.cfg.MaxSize {
		w := p.waiters[0]
		p.waiters = slices.Delete(p.waiters, 0, 1)
		p.creating++
		w.ch <- grant[R]{create: true}
	}
}

func (p *Pool[R]) findLocked(r R) *entry[R] {
	for _, e := range p.entries {
		if e.resource == r {
			return e
		}
	}
	return nil
}

// removeLocked drops e if it is still checked out under checkout.
func (p *Pool[R]) removeLocked(e *entry[R], checkout uint64) bool {
	idx := slices.Index(p.entries, e)
	if idx < 0 || !e.inUse || e.checkout != checkout {
		return false
	}
	if e.holdTimer != nil {
		e.holdTimer.Stop()
		e.holdTimer = nil
	}
	p.entries = slices.Delete(p.entries, idx, idx+1)
	return true
}

func (p *Pool[R]) destroyAll(entries []*entry[R]) {
	for _, e := range entries {
		p.destroyResource(e.resource)
	}
}

func (p *Pool[R]) destroyResource(r R) {
	if p.destroy == nil {
		return
	}
	if err := p.destroy(r); err != nil {
		p.logger.Warn("destroying resource", "error", err)
	}
}

// With acquires a resource, runs fn with it and releases it whatever fn returns.
func With[R comparable](ctx context.Context, p *Pool[R], fn func(context.Context, R) error) error {
	r, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(r)
	return fn(ctx, r)
}
