package runpipe_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/fogfactory/runpipe"
	"github.com/maxatome/go-testdeep/td"
	"github.com/samber/lo"
)

type deck struct {
	slides   []int
	rendered []int
}

// splitSlides emits every slide of the deck as a child.
func splitSlides(ctx context.Context, d deck, in chan<- int) error {
	for _, s := range d.slides {
		select {
		case in <- s:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func mergeSlides(d deck, out <-chan int) (deck, error) {
	rendered := lo.ChannelToSlice(out)
	sort.Ints(rendered)
	d.rendered = rendered
	return d, nil
}

func TestLink(t *testing.T) {

	t.Run("success_linear", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		linked := runpipe.Link("local", visit("apply"), visit("render"))
		p := InitPipeline(t, r, visit("edit"), linked)

		// Act
		res := p.Run(context.Background(), runpipe.RunContext[trail]{})

		// Assert
		td.CmpTrue(t, res.Success)
		td.Cmp(t, res.Final.Payload, trail{"edit", "apply", "render"})
		td.Cmp(t, spanSteps(t, p, res.RunID()), []string{"edit", "local"}, "a linked step is one span")
	})

	t.Run("error_stops_chain", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		broken := errors.New("broken diff")
		fail := runpipe.Process("apply", func(context.Context, trail) (trail, error) { return nil, broken })
		linked := runpipe.Link("local", visit("prepare"), fail, visit("render"))
		p := InitPipeline(t, r, linked)

		// Act
		res := p.Run(context.Background(), runpipe.RunContext[trail]{})

		// Assert
		td.CmpErrorIs(t, res.Err, broken)
		td.CmpErrorIs(t, res.Err, runpipe.ErrStepFailure)
		td.CmpEmpty(t, res.Final.Payload)
	})
}

func TestFanout(t *testing.T) {
	dispatcher, err := runpipe.NewDispatch(splitSlides, mergeSlides)
	td.Require(t).CmpNoError(err)

	t.Run("success_children_on_their_own_pool", func(t *testing.T) {
		// Arrange
		cfg := runpipe.DefaultConfig()
		cfg.Steps["render"] = runpipe.StepConfig{Concurrency: 1}
		cfg.Steps["render-slide"] = runpipe.StepConfig{Concurrency: 2}
		r := InitRegistry(t, cfg)
		topeLa := make(chan bool)
		deadlock := false
		render := runpipe.Fanout("render", "render-slide", r, dispatcher, func(ctx context.Context, slide int) (int, error) {
			// Arbitrary reconciliation to check that two slides render at the same time
			if slide < 2 {
				select {
				case topeLa <- true:
				case <-topeLa:
				case <-time.After(50 * time.Millisecond):
					deadlock = true
				}
			}
			return slide * 10, nil
		})
		p, err := runpipe.NewPipeline(r, []runpipe.Step[deck]{render})
		td.Require(t).CmpNoError(err)

		// Act
		res := p.Run(context.Background(), runpipe.NewRunContext(deck{slides: []int{0, 1, 2, 3}}))

		// Assert
		td.Require(t).CmpNoError(res.Err)
		td.Cmp(t, res.Final.Payload.rendered, []int{0, 10, 20, 30})
		td.CmpFalse(t, deadlock, "Deadlock detected. Slides are not rendered concurrently")
		td.Cmp(t, r.Steps(), []string{"render", "render-slide"})
	})

	t.Run("error_child_failure", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		corrupt := errors.New("corrupt slide")
		render := runpipe.Fanout("render", "render-slide", r, dispatcher, func(ctx context.Context, slide int) (int, error) {
			if slide == 2 {
				return 0, corrupt
			}
			return slide, nil
		})
		p, err := runpipe.NewPipeline(r, []runpipe.Step[deck]{render})
		td.Require(t).CmpNoError(err)

		// Act
		res := p.Run(context.Background(), runpipe.NewRunContext(deck{slides: []int{1, 2, 3}}))

		// Assert
		td.CmpErrorIs(t, res.Err, corrupt)
		td.CmpErrorIs(t, res.Err, runpipe.ErrStepFailure)
		td.CmpNil(t, res.Final.Payload.rendered)
	})

	t.Run("error_merge_leaves_children", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		lazy, err := runpipe.NewDispatch(splitSlides, func(d deck, out <-chan int) (deck, error) {
			<-out // consume only one child
			return d, nil
		})
		td.Require(t).CmpNoError(err)
		render := runpipe.Fanout("render", "render-slide", r, lazy, func(_ context.Context, slide int) (int, error) { return slide, nil })
		p, err := runpipe.NewPipeline(r, []runpipe.Step[deck]{render})
		td.Require(t).CmpNoError(err)

		// Act
		res := p.Run(context.Background(), runpipe.NewRunContext(deck{slides: []int{1, 2, 3}}))

		// Assert
		td.CmpErrorIs(t, res.Err, runpipe.ErrInvalidDispatcher)
		td.CmpContains(t, res.Err.Error(), "left 2 children unread")
	})

	t.Run("error_same_pool", func(t *testing.T) {
		// Arrange
		r := InitRegistry(t, runpipe.DefaultConfig())
		render := runpipe.Fanout("render", "render", r, dispatcher, func(_ context.Context, slide int) (int, error) { return slide, nil })

		// Act
		_, err := runpipe.NewPipeline(r, []runpipe.Step[deck]{render})
		out := render.Execute(context.Background(), runpipe.NewRunContext(deck{slides: []int{1}}))

		// Assert
		td.CmpErrorIs(t, err, runpipe.ErrInvalidConfig)
		td.CmpErrorIs(t, err, runpipe.ErrInvalidDispatcher)
		td.CmpErrorIs(t, out.Err(), runpipe.ErrInvalidDispatcher)
	})

	t.Run("error_strict_unknown_child_pool", func(t *testing.T) {
		// Arrange
		cfg := runpipe.DefaultConfig()
		cfg.Strict = true
		cfg.Steps["publish"] = runpipe.StepConfig{Concurrency: 2}
		r := InitRegistry(t, cfg)
		render := runpipe.Fanout("render", "render-slide", r, dispatcher, func(_ context.Context, slide int) (int, error) { return slide, nil })

		// Act
		_, err := runpipe.NewPipeline(r, []runpipe.Step[deck]{runpipe.Link("publish", render)})

		// Assert
		td.CmpErrorIs(t, err, runpipe.ErrInvalidConfig)
		td.CmpErrorIs(t, err, runpipe.ErrUnknownStep)
		td.CmpContains(t, err.Error(), `"render-slide"`)
	})

	t.Run("success_strict_child_pool_configured", func(t *testing.T) {
		// Arrange
		cfg := runpipe.DefaultConfig()
		cfg.Strict = true
		cfg.Steps["render"] = runpipe.StepConfig{Concurrency: 2}
		cfg.Steps["render-slide"] = runpipe.StepConfig{Concurrency: 2}
		r := InitRegistry(t, cfg)
		render := runpipe.Fanout("render", "render-slide", r, dispatcher, func(_ context.Context, slide int) (int, error) { return slide, nil })

		// Act
		_, err := runpipe.NewPipeline(r, []runpipe.Step[deck]{render})

		// Assert
		td.CmpNoError(t, err)
		td.Cmp(t, render.Pools, []string{"render-slide"})
	})
}

func TestDispatcher(t *testing.T) {

	t.Run("error_invalid_new_dispatcher", func(t *testing.T) {
		// Arrange
		var nilSplit runpipe.Split[int, string]
		var nilMerge runpipe.Merge[int, string]

		// Act
		dispatcher, err := runpipe.NewDispatch(nilSplit, nilMerge)

		// Assert
		td.CmpErrorIs(t, err, runpipe.ErrInvalidDispatcher)
		td.CmpErrorIs(t, dispatcher.Validate(), runpipe.ErrInvalidDispatcher)
	})

	t.Run("success_new_dispatcher", func(t *testing.T) {
		// Arrange
		split := func(ctx context.Context, parent string, in chan<- string) error {
			return nil // placeholder
		}
		merge := func(parent string, out <-chan string) (string, error) {
			return parent, nil // placeholder
		}

		// Act
		dispatcher, err := runpipe.NewDispatch(split, merge)

		// Assert
		td.CmpNoError(t, err)
		td.CmpNoError(t, dispatcher.Validate())
	})
}
