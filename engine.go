package runpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fogfactory/runpipe/perf"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var errWatchdog = errors.New("watchdog fired")

type options struct {
	recorder *perf.Recorder
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*options)

// WithRecorder records the spans of the runs in recorder. A private recorder is used otherwise.
func WithRecorder(recorder *perf.Recorder) Option {
	return func(o *options) { o.recorder = recorder }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Pipeline runs an ordered list of steps over a RunContext. Each step is submitted to the
// registry pool named after it, so concurrency limits apply per step across every run sharing
// the registry.
type Pipeline[P any] struct {
	steps    []Step[P]
	registry *Registry
	recorder *perf.Recorder
	logger   *slog.Logger
}

// NewPipeline validates steps against registry and builds a pipeline.
//
// Step names must be set and unique, and in strict mode each step and each pool it submits to
// must have a configuration entry.
func NewPipeline[P any](registry *Registry, steps []Step[P], opts ...Option) (*Pipeline[P], error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no steps", ErrInvalidConfig)
	}
	names := make(map[string]int, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return nil, fmt.Errorf("%w: step %d: name is required", ErrInvalidConfig, i)
		}
		if prev, exists := names[step.Name]; exists {
			return nil, fmt.Errorf("%w: step %d: duplicate step name %q (first defined at step %d)", ErrInvalidConfig, i, step.Name, prev)
		}
		names[step.Name] = i
		if step.Execute == nil {
			return nil, fmt.Errorf("%w: step %q: nil Execute", ErrInvalidConfig, step.Name)
		}
		if _, err := registry.StepConfig(step.Name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		for _, pool := range step.Pools {
			if pool == step.Name {
				return nil, fmt.Errorf("%w: %w: step %q cannot fan out into its own pool", ErrInvalidConfig, ErrInvalidDispatcher, step.Name)
			}
			if _, err := registry.StepConfig(pool); err != nil {
				return nil, fmt.Errorf("%w: step %q: %w", ErrInvalidConfig, step.Name, err)
			}
		}
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.recorder == nil {
		o.recorder = perf.NewRecorder()
	}
	return &Pipeline[P]{
		steps:    steps,
		registry: registry,
		recorder: o.recorder,
		logger:   o.logger,
	}, nil
}

// Steps returns the step names, in order.
func (p *Pipeline[P]) Steps() []string {
	return lo.Map(p.steps, func(s Step[P], _ int) string { return s.Name })
}

// Recorder returns the recorder holding the spans of the runs.
func (p *Pipeline[P]) Recorder() *perf.Recorder { return p.recorder }

// Registry returns the registry the steps are scheduled on.
func (p *Pipeline[P]) Registry() *Registry { return p.registry }

// Run drives initial through every step until one fails. A missing RunID or StartTime is
// assigned here, once. Cancelling ctx cancels the running step and fails the run.
func (p *Pipeline[P]) Run(ctx context.Context, initial RunContext[P]) Result[P] {
	rc := initial
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	if rc.StartTime.IsZero() {
		rc.StartTime = time.Now()
	}
	rc.EndTime, rc.Success, rc.Err = time.Time{}, false, nil

	logger := p.logger.With("run_id", rc.RunID)
	p.recorder.StartRun(rc.RunID, rc.StartTime)

	res := Result[P]{State: StatePending, FailedStep: -1}
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return p.fail(logger, res, rc, &StepError{Step: step.Name, Index: i, Kind: ErrCancelled, Err: context.Cause(ctx)})
		}
		res.State = StateRunning

		tok := p.recorder.StartSpan(rc.RunID, step.Name)
		logger.Debug("step started", "step", step.Name, "index", i)
		next, err := p.runStep(ctx, i, step, rc)
		elapsed := p.recorder.EndSpan(tok, err == nil, err)
		if err != nil {
			return p.fail(logger, res, rc, err)
		}
		logger.Debug("step succeeded", "step", step.Name, "index", i, "duration", elapsed)

		next.RunID, next.StartTime = rc.RunID, rc.StartTime
		next.EndTime, next.Success, next.Err = time.Time{}, false, nil
		rc = next
		res.Completed = append(res.Completed, rc)
	}

	rc.EndTime = time.Now()
	rc.Success = true
	res.State = StateSucceeded
	res.Success = true
	res.Final = rc
	logger.Info("run succeeded", "duration", rc.Duration())
	return res
}

func (p *Pipeline[P]) fail(logger *slog.Logger, res Result[P], rc RunContext[P], err error) Result[P] {
	rc.EndTime = time.Now()
	rc.Success = false
	rc.Err = err

	var se *StepError
	if errors.As(err, &se) {
		res.FailedStep = se.Index
	}
	res.State = StateFailed
	res.Success = false
	res.Err = err
	res.Final = rc
	logger.Warn("run failed", "error", err, "duration", rc.Duration())
	return res
}

// runStep submits step to its pool and waits for it, for its watchdog, or for ctx.
func (p *Pipeline[P]) runStep(ctx context.Context, index int, step Step[P], rc RunContext[P]) (RunContext[P], error) {
	stepErr := func(kind, err error) error {
		return &StepError{Step: step.Name, Index: index, Kind: kind, Err: err}
	}

	pool, err := p.registry.PoolFor(step.Name)
	if err != nil {
		return rc, stepErr(ErrUnexpected, err)
	}
	timeout := p.registry.Timeout(step.Name)
	stepCtx, cancel := context.WithTimeoutCause(ctx, timeout, errWatchdog)
	defer cancel()

	// Written by the task, read only once h is done.
	var outcome Outcome[P]
	h := pool.Submit(stepCtx, func(ctx context.Context) error {
		outcome = step.Execute(ctx, rc)
		return nil
	})

	select {
	case <-h.Done():
	case <-stepCtx.Done():
		select {
		case <-h.Done():
		default:
			// The step keeps its slot until it observes the cancellation and returns.
			return rc, p.interrupted(ctx, stepErr, timeout)
		}
	}

	if err := h.Err(); err != nil {
		var panicErr *PanicError
		if stepCtx.Err() != nil && !errors.As(err, &panicErr) {
			return rc, p.interrupted(ctx, stepErr, timeout)
		}
		return rc, stepErr(ErrUnexpected, err)
	}
	if next, ok := outcome.Context(); ok {
		return next, nil
	}
	oerr := outcome.Err()
	if oerr == nil {
		return rc, stepErr(ErrUnexpected, errors.New("step returned an empty outcome"))
	}
	if stepCtx.Err() != nil && (errors.Is(oerr, context.DeadlineExceeded) || errors.Is(oerr, context.Canceled) || errors.Is(oerr, errWatchdog)) {
		return rc, p.interrupted(ctx, stepErr, timeout)
	}
	return rc, stepErr(ErrStepFailure, oerr)
}

// interrupted tells a caller cancellation apart from the step watchdog.
func (p *Pipeline[P]) interrupted(ctx context.Context, stepErr func(kind, err error) error, timeout time.Duration) error {
	if ctx.Err() != nil {
		return stepErr(ErrCancelled, context.Cause(ctx))
	}
	return stepErr(ErrStepTimeout, fmt.Errorf("%w after %s", errWatchdog, timeout))
}

// Aggregate folds the spans of the given results into per-step statistics.
func (p *Pipeline[P]) Aggregate(results ...Result[P]) perf.BatchAggregate {
	return p.recorder.Aggregate(lo.Map(results, func(r Result[P], _ int) string { return r.RunID() })...)
}
