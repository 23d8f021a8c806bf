package runpipe_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fogfactory/runpipe"
	"github.com/fogfactory/runpipe/perf"
	"github.com/maxatome/go-testdeep/td"
	"github.com/samber/lo"
)

type trail []string

// visit is a step appending its name to the trail, without touching the previous one.
func visit(name string) runpipe.Step[trail] {
	return runpipe.Process(name, func(_ context.Context, tr trail) (trail, error) {
		return append(slices.Clone(tr), name), nil
	})
}

func InitPipeline(t testing.TB, r *runpipe.Registry, steps ...runpipe.Step[trail]) *runpipe.Pipeline[trail] {
	p, err := runpipe.NewPipeline(r, steps, runpipe.WithRecorder(perf.NewRecorder()))
	td.Require(t).CmpNoError(err)
	return p
}

func spanSteps(t testing.TB, p *runpipe.Pipeline[trail], runID string) []string {
	run, ok := p.Recorder().Run(runID)
	td.Require(t).True(ok, "run %s should be recorded", runID)
	return lo.Map(run.Spans, func(s perf.Span, _ int) string { return s.Step })
}

func TestPipeline(t *testing.T) {

	t.Run("success_all_steps", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		p := InitPipeline(t, r, visit("prepare"), visit("edit"), visit("render"))
		initial := runpipe.RunContext[trail]{}

		// Act
		res := p.Run(context.Background(), initial)

		// Assert
		td.Cmp(t, res.State, runpipe.StateSucceeded)
		td.CmpTrue(t, res.Success)
		td.CmpNoError(t, res.Err)
		td.Cmp(t, res.FailedStep, -1)
		td.Cmp(t, res.Final.Payload, trail{"prepare", "edit", "render"})
		td.CmpTrue(t, res.Final.Success)
		td.CmpNoError(t, res.Final.Err)
		td.CmpNotZero(t, res.Final.RunID, "run id assigned")
		td.CmpTrue(t, res.Final.Ended())
		td.CmpLen(t, res.Completed, 3)
		td.Cmp(t, res.Completed[0].Payload, trail{"prepare"}, "snapshots are not mutated by later steps")
		for _, rc := range res.Completed {
			td.Cmp(t, rc.RunID, res.Final.RunID)
		}
		td.Cmp(t, spanSteps(t, p, res.RunID()), []string{"prepare", "edit", "render"})
		td.Cmp(t, p.Steps(), []string{"prepare", "edit", "render"})
	})

	t.Run("success_run_id_never_regenerated", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		rogue := runpipe.Func("rogue", func(_ context.Context, rc runpipe.RunContext[trail]) (runpipe.RunContext[trail], error) {
			next := runpipe.NewRunContext(append(slices.Clone(rc.Payload), "rogue"))
			return next, nil
		})
		p := InitPipeline(t, r, rogue, visit("finalize"))
		initial := runpipe.NewRunContext(trail{})

		// Act
		res := p.Run(context.Background(), initial)

		// Assert
		td.CmpTrue(t, res.Success)
		td.Cmp(t, res.Final.RunID, initial.RunID)
		td.Cmp(t, res.Final.StartTime, initial.StartTime)
		td.Cmp(t, res.Final.Payload, trail{"rogue", "finalize"})
	})

	t.Run("error_early_exit_on_failure", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		var later int32
		refuse := errors.New("service refused the edit")
		s1 := runpipe.Step[trail]{Name: "edit", Execute: func(context.Context, runpipe.RunContext[trail]) runpipe.Outcome[trail] {
			return runpipe.Fail[trail](refuse)
		}}
		count := runpipe.Process("apply", func(_ context.Context, tr trail) (trail, error) {
			atomic.AddInt32(&later, 1)
			return tr, nil
		})
		p := InitPipeline(t, r, visit("prepare"), s1, count, visit("render"))

		// Act
		res := p.Run(context.Background(), runpipe.RunContext[trail]{})

		// Assert
		td.Cmp(t, res.State, runpipe.StateFailed)
		td.CmpFalse(t, res.Success)
		td.CmpErrorIs(t, res.Err, runpipe.ErrStepFailure)
		td.CmpErrorIs(t, res.Err, refuse)
		td.CmpContains(t, res.Err.Error(), `step "edit"`)
		td.Cmp(t, res.FailedStep, 1)
		td.Cmp(t, res.Final.Payload, trail{"prepare"}, "last good context is kept")
		td.CmpErrorIs(t, res.Final.Err, refuse)
		td.CmpLen(t, res.Completed, 1)
		td.Cmp(t, atomic.LoadInt32(&later), int32(0), "no step runs after a failure")
		td.Cmp(t, spanSteps(t, p, res.RunID()), []string{"prepare", "edit"})
	})

	t.Run("error_watchdog", func(t *testing.T) {
		// Arrange
		cfg := runpipe.DefaultConfig()
		cfg.Steps["edit"] = runpipe.StepConfig{Timeout: 20 * time.Millisecond}
		r := InitRegistry(t, cfg)
		stopped := make(chan error, 1)
		hang := runpipe.Process("edit", func(ctx context.Context, tr trail) (trail, error) {
			<-ctx.Done()
			stopped <- ctx.Err()
			return tr, ctx.Err()
		})
		p := InitPipeline(t, r, hang, visit("render"))

		// Act
		res := p.Run(context.Background(), runpipe.RunContext[trail]{})

		// Assert
		td.CmpErrorIs(t, res.Err, runpipe.ErrStepTimeout)
		td.Cmp(t, res.FailedStep, 0)
		td.CmpErrorIs(t, receive(t, stopped, 1)[0], context.DeadlineExceeded, "the step itself is cancelled")
		td.Cmp(t, spanSteps(t, p, res.RunID()), []string{"edit"})
		run, _ := p.Recorder().Run(res.RunID())
		td.CmpFalse(t, run.Spans[0].Success)
	})

	t.Run("error_caller_cancel", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		ctx, cancel := context.WithCancel(context.Background())
		entered := make(chan struct{})
		hang := runpipe.Process("edit", func(ctx context.Context, tr trail) (trail, error) {
			close(entered)
			<-ctx.Done()
			return tr, ctx.Err()
		})
		p := InitPipeline(t, r, hang)
		go func() {
			<-entered
			cancel()
		}()

		// Act
		res := p.Run(ctx, runpipe.RunContext[trail]{})

		// Assert
		td.CmpErrorIs(t, res.Err, runpipe.ErrCancelled)
		td.CmpErrorIs(t, res.Err, context.Canceled)
	})

	t.Run("error_unexpected", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		panicky := runpipe.Process("score", func(context.Context, trail) (trail, error) { panic("scorer crashed") })
		empty := runpipe.Step[trail]{Name: "finalize", Execute: func(context.Context, runpipe.RunContext[trail]) runpipe.Outcome[trail] {
			return runpipe.Outcome[trail]{}
		}}

		// Act
		panicked := InitPipeline(t, r, panicky).Run(context.Background(), runpipe.RunContext[trail]{})
		emptied := InitPipeline(t, r, empty).Run(context.Background(), runpipe.RunContext[trail]{})

		// Assert
		td.CmpErrorIs(t, panicked.Err, runpipe.ErrUnexpected)
		td.CmpContains(t, panicked.Err.Error(), "scorer crashed")
		td.CmpErrorIs(t, emptied.Err, runpipe.ErrUnexpected)
	})

	t.Run("success_limit_shared_across_runs", func(t *testing.T) {
		// Arrange
		cfg := runpipe.DefaultConfig()
		cfg.Steps["edit"] = runpipe.StepConfig{Concurrency: 2}
		r := InitRegistry(t, cfg)
		var current, peak int32
		edit := runpipe.Process("edit", func(_ context.Context, tr trail) (trail, error) {
			cur := atomic.AddInt32(&current, 1)
			defer atomic.AddInt32(&current, -1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return append(slices.Clone(tr), "edit"), nil
		})
		p := InitPipeline(t, r, visit("prepare"), edit)
		initials := make([]runpipe.RunContext[trail], 8)

		// Act
		results := runpipe.RunBatch(context.Background(), p, initials, 0)

		// Assert
		succeeded, failed := runpipe.Partition(results)
		td.CmpLen(t, succeeded, 8)
		td.CmpEmpty(t, failed)
		td.CmpLte(t, atomic.LoadInt32(&peak), int32(2))
		td.CmpLen(t, lo.Uniq(lo.Map(results, func(r runpipe.Result[trail], _ int) string { return r.RunID() })), 8)
		agg := p.Aggregate(results...)
		td.Cmp(t, agg.Runs, 8)
		td.Cmp(t, agg.Steps["edit"].Count, 8)
		td.Cmp(t, agg.Steps["edit"].SuccessCount, 8)
	})

	t.Run("success_terminal_uniqueness", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		flaky := runpipe.Process("edit", func(_ context.Context, tr trail) (trail, error) {
			if len(tr) > 0 && tr[0] == "odd" {
				return tr, errors.New("odd run")
			}
			return tr, nil
		})
		p := InitPipeline(t, r, flaky, visit("finalize"))
		initials := lo.Times(10, func(i int) runpipe.RunContext[trail] {
			return runpipe.NewRunContext(trail{lo.Ternary(i%2 == 1, "odd", "even")})
		})

		// Act
		results := runpipe.RunBatch(context.Background(), p, initials, 3)

		// Assert
		for i, res := range results {
			td.Cmp(t, res.RunID(), initials[i].RunID, "results keep input order")
			td.Cmp(t, res.Success, res.Err == nil)
			td.Cmp(t, res.Final.Success, res.Final.Err == nil)
			td.Cmp(t, res.Success, i%2 == 0)
		}
	})

	t.Run("success_batch_deadline", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		hang := runpipe.Process("edit", func(ctx context.Context, tr trail) (trail, error) {
			<-ctx.Done()
			return tr, ctx.Err()
		})
		p := InitPipeline(t, r, hang)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		// Act
		results := runpipe.RunBatch(ctx, p, make([]runpipe.RunContext[trail], 3), 0)

		// Assert
		for _, res := range results {
			td.CmpErrorIs(t, res.Err, runpipe.ErrCancelled)
			td.CmpErrorIs(t, res.Err, context.DeadlineExceeded)
		}
	})
}

func TestNewPipeline(t *testing.T) {

	t.Run("error_duplicate_step", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())

		// Act
		_, err := runpipe.NewPipeline(r, []runpipe.Step[trail]{visit("edit"), visit("edit")})

		// Assert
		td.CmpErrorIs(t, err, runpipe.ErrInvalidConfig)
		td.CmpContains(t, err.Error(), "duplicate step name")
	})

	t.Run("error_strict_unknown_step", func(t *testing.T) {
		// Arrange
		cfg := runpipe.DefaultConfig()
		cfg.Strict = true
		cfg.Steps["edit"] = runpipe.StepConfig{}
		r := InitRegistry(t, cfg)

		// Act
		_, err := runpipe.NewPipeline(r, []runpipe.Step[trail]{visit("edit"), visit("rendr")})

		// Assert
		td.CmpErrorIs(t, err, runpipe.ErrUnknownStep)
		td.CmpContains(t, err.Error(), `"rendr"`)
	})

	t.Run("error_empty", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())

		// Act
		_, err := runpipe.NewPipeline[trail](r, nil)

		// Assert
		td.CmpErrorIs(t, err, runpipe.ErrInvalidConfig)
	})
}
