package runpipe

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Task is a unit of work run by a Scheduler. ctx is the context given at submission.
type Task func(ctx context.Context) error

// TaskResult is passed to the task complete callback.
type TaskResult struct {
	Scheduler string
	Seq       uint64
	Err       error
	Queued    time.Duration // time spent waiting for a slot
	Ran       time.Duration // zero if the task never started
}

// PoolStatus is a point in time view of a Scheduler.
type PoolStatus struct {
	Running int `json:"running" yaml:"running"`
	Queued  int `json:"queued" yaml:"queued"`
	Limit   int `json:"limit" yaml:"limit"`
}

// Handle tracks a submitted task. Its error is only ever reported here.
type Handle struct {
	seq  uint64
	done chan struct{}
	err  error
}

func newHandle(seq uint64) *Handle {
	return &Handle{seq: seq, done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the task completed, failed, or was dropped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task error, nil while the task is not done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task is done or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedTask struct {
	ctx         context.Context
	task        Task
	handle      *Handle
	submittedAt time.Time
	stop        func() bool
}

// Scheduler is a FIFO queue of tasks gated by a maximum number of tasks in flight.
//
// Tasks run on an ants goroutine pool sized to the limit. A single dispatcher goroutine pops the
// queue head whenever a slot frees up, so tasks start in submission order.
type Scheduler struct {
	name           string
	pool           *ants.Pool
	logger         *slog.Logger
	onTaskComplete func(TaskResult)
	onAllComplete  func()

	mu      sync.Mutex
	queue   []*queuedTask
	running int
	limit   int
	seq     uint64
	busy    bool
	idle    chan struct{} // closed while nothing is queued or running
	closed  bool

	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTaskComplete registers a callback fired after every task, whatever its outcome.
func WithTaskComplete(fn func(TaskResult)) SchedulerOption {
	return func(s *Scheduler) { s.onTaskComplete = fn }
}

// WithAllComplete registers a callback fired each time the scheduler drains after having had work.
func WithAllComplete(fn func()) SchedulerOption {
	return func(s *Scheduler) { s.onAllComplete = fn }
}

// WithSchedulerLogger sets the logger. Defaults to slog.Default().
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// NewScheduler builds a scheduler running at most maxConcurrency tasks at once.
func NewScheduler(name string, maxConcurrency int, opts ...SchedulerOption) (*Scheduler, error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("%w: scheduler %q: concurrency must be at least 1, got %d", ErrInvalidConfig, name, maxConcurrency)
	}
	s := &Scheduler{
		name:    name,
		limit:   maxConcurrency,
		logger:  slog.Default(),
		idle:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	close(s.idle)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("pool", name)

	pool, err := ants.NewPool(maxConcurrency,
		ants.WithLogger(antsLogger{s.logger}),
		ants.WithPanicHandler(func(v any) {
			s.logger.Error("worker panic", "panic", v, "stack", string(debug.Stack()))
		}))
	if err != nil {
		return nil, fmt.Errorf("scheduler %q: %w", name, err)
	}
	s.pool = pool

	go s.dispatchLoop()
	return s, nil
}

// Name returns the name the scheduler was built with.
func (s *Scheduler) Name() string { return s.name }

// Submit queues task. The task is dropped without running if ctx is done before a slot frees up.
func (s *Scheduler) Submit(ctx context.Context, task Task) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.seq++
	h := newHandle(s.seq)
	if s.closed {
		s.mu.Unlock()
		h.finish(ErrSchedulerClosed)
		return h
	}
	item := &queuedTask{ctx: ctx, task: task, handle: h, submittedAt: time.Now()}
	s.queue = append(s.queue, item)
	if !s.busy {
		s.busy = true
		s.idle = make(chan struct{})
	}
	// Registered under the lock so that drop never sees a half-queued item.
	item.stop = context.AfterFunc(ctx, func() { s.drop(item) })
	s.mu.Unlock()

	s.signal()
	return h
}

// SetMaxConcurrency changes the limit live. Raising it immediately dispatches more of the queue.
func (s *Scheduler) SetMaxConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: scheduler %q: concurrency must be at least 1, got %d", ErrInvalidConfig, s.name, n)
	}
	s.mu.Lock()
	s.limit = n
	s.mu.Unlock()

	s.pool.Tune(n)
	s.signal()
	return nil
}

// Status returns the running and queued counts along with the current limit.
func (s *Scheduler) Status() PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PoolStatus{Running: s.running, Queued: len(s.queue), Limit: s.limit}
}

// Wait blocks until both the queue and the in-flight set are empty, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops dispatching, fails every queued task with ErrSchedulerClosed and releases the workers.
// Tasks already running are left to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	drained := s.settleLocked()
	s.mu.Unlock()

	close(s.quit)
	<-s.stopped

	for _, item := range pending {
		item.stop()
		s.abandon(item, ErrSchedulerClosed)
	}
	if drained {
		s.allComplete()
	}
	s.pool.Release()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
			s.dispatch()
		}
	}
}

func (s *Scheduler) dispatch() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch panic", "panic", r, "stack", string(debug.Stack()))
			s.signal()
		}
	}()

	for {
		item, cancelled, drained := s.next()
		for _, c := range cancelled {
			s.abandon(c, context.Cause(c.ctx))
		}
		if drained {
			s.allComplete()
		}
		if item == nil {
			return
		}
		if err := s.pool.Submit(func() { s.execute(item) }); err != nil {
			s.complete(item, fmt.Errorf("%w: submit to %q workers: %v", ErrUnexpected, s.name, err), time.Now())
		}
	}
}

// next pops the queue head if a slot is free. Items whose context ended while queued are
// returned apart so they can be failed outside the lock; drained reports whether popping them
// left the scheduler idle.
func (s *Scheduler) next() (item *queuedTask, cancelled []*queuedTask, drained bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 && s.running < s.limit && !s.closed {
		head := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if !head.stop() {
			// ctx is done and drop lost the race for the lock: fail it here.
			cancelled = append(cancelled, head)
			continue
		}
		s.running++
		return head, cancelled, false
	}
	if len(cancelled) > 0 {
		drained = s.settleLocked()
	}
	return nil, cancelled, drained
}

func (s *Scheduler) execute(item *queuedTask) {
	started := time.Now()
	err := runTask(item.ctx, item.task)
	s.complete(item, err, started)
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return task(ctx)
}

func (s *Scheduler) complete(item *queuedTask, err error, started time.Time) {
	s.mu.Lock()
	s.running--
	drained := s.settleLocked()
	s.mu.Unlock()

	item.handle.finish(err)
	s.taskComplete(TaskResult{
		Scheduler: s.name,
		Seq:       item.handle.seq,
		Err:       err,
		Queued:    started.Sub(item.submittedAt),
		Ran:       time.Since(started),
	})
	if drained {
		s.allComplete()
	}
	s.signal()
}

// drop removes item from the queue once its context is done.
func (s *Scheduler) drop(item *queuedTask) {
	s.mu.Lock()
	idx := slices.Index(s.queue, item)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.queue = slices.Delete(s.queue, idx, idx+1)
	drained := s.settleLocked()
	s.mu.Unlock()

	s.abandon(item, context.Cause(item.ctx))
	if drained {
		s.allComplete()
	}
}

// abandon fails a task that never ran.
func (s *Scheduler) abandon(item *queuedTask, err error) {
	item.handle.finish(err)
	s.taskComplete(TaskResult{
		Scheduler: s.name,
		Seq:       item.handle.seq,
		Err:       err,
		Queued:    time.Since(item.submittedAt),
	})
}

// settleLocked reports whether the scheduler just went from busy to idle.
func (s *Scheduler) settleLocked() bool {
	if !s.busy || len(s.queue) > 0 || s.running > 0 {
		return false
	}
	s.busy = false
	close(s.idle)
	return true
}

func (s *Scheduler) taskComplete(res TaskResult) {
	if s.onTaskComplete == nil {
		return
	}
	s.safely("task complete callback", func() { s.onTaskComplete(res) })
}

func (s *Scheduler) allComplete() {
	if s.onAllComplete == nil {
		return
	}
	s.safely("all complete callback", s.onAllComplete)
}

func (s *Scheduler) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(what+" panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// antsLogger routes ants internal messages to slog.
type antsLogger struct {
	logger *slog.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
