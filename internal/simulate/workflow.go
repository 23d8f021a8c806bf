package simulate

import (
	"context"
	"fmt"
	"slices"

	"github.com/fogfactory/runpipe"
	"github.com/fogfactory/runpipe/resource"
	"github.com/samber/lo"
)

// Step names of the workflow, in order. RenderSlidePool is the pool rendering single slides.
const (
	StepPrepare  = "prepare"
	StepEdit     = "edit"
	StepApply    = "apply"
	StepRender   = "render"
	StepScore    = "score"
	StepFinalize = "finalize"

	RenderSlidePool = "render-slide"
)

// StepNames lists the workflow steps in execution order.
var StepNames = []string{StepPrepare, StepEdit, StepApply, StepRender, StepScore, StepFinalize}

// Slide is one slide of a Task.
type Slide struct {
	Index    int    `json:"index" yaml:"index"`
	Title    string `json:"title" yaml:"title"`
	Edited   bool   `json:"edited" yaml:"edited"`
	Rendered bool   `json:"rendered" yaml:"rendered"`
}

// Edit is a change proposed for a slide.
type Edit struct {
	Slide int    `json:"slide" yaml:"slide"`
	Text  string `json:"text" yaml:"text"`
}

// Task is the payload of one run: a deck to edit. Steps build new slices rather than modifying
// the ones they receive.
type Task struct {
	ID     string  `json:"id" yaml:"id"`
	Slides []Slide `json:"slides" yaml:"slides"`
	Edits  []Edit  `json:"edits,omitempty" yaml:"edits,omitempty"`
	Score  float64 `json:"score" yaml:"score"`
	Report string  `json:"report,omitempty" yaml:"report,omitempty"`
}

// Tasks generates n tasks of slides slides each.
func Tasks(n, slides int) []Task {
	return lo.Times(n, func(i int) Task {
		return Task{
			ID: fmt.Sprintf("task-%03d", i+1),
			Slides: lo.Times(slides, func(j int) Slide {
				return Slide{Index: j, Title: fmt.Sprintf("slide %d", j+1)}
			}),
		}
	})
}

// Workflow returns the steps of the slide editing workflow. Service calls go through sessions
// borrowed from clients; slides are rendered one by one on the RenderSlidePool pool of registry.
func Workflow(registry *runpipe.Registry, clients *resource.Pool[*Session]) ([]runpipe.Step[Task], error) {
	dispatcher, err := runpipe.NewDispatch(splitSlides, mergeSlides)
	if err != nil {
		return nil, err
	}
	call := func(ctx context.Context, op string) error {
		return resource.With(ctx, clients, func(ctx context.Context, c *Session) error {
			return c.Call(ctx, op)
		})
	}

	return []runpipe.Step[Task]{
		runpipe.Process(StepPrepare, func(_ context.Context, t Task) (Task, error) {
			if len(t.Slides) == 0 {
				return t, fmt.Errorf("task %s has no slides", t.ID)
			}
			t.Slides = slices.Clone(t.Slides)
			slices.SortFunc(t.Slides, func(a, b Slide) int { return a.Index - b.Index })
			return t, nil
		}),
		runpipe.Process(StepEdit, func(ctx context.Context, t Task) (Task, error) {
			if err := call(ctx, StepEdit); err != nil {
				return t, err
			}
			t.Edits = lo.Map(t.Slides, func(s Slide, _ int) Edit {
				return Edit{Slide: s.Index, Text: s.Title + " (edited)"}
			})
			return t, nil
		}),
		runpipe.Process(StepApply, func(ctx context.Context, t Task) (Task, error) {
			if err := call(ctx, StepApply); err != nil {
				return t, err
			}
			edits := lo.KeyBy(t.Edits, func(e Edit) int { return e.Slide })
			t.Slides = lo.Map(t.Slides, func(s Slide, _ int) Slide {
				if e, ok := edits[s.Index]; ok {
					s.Title, s.Edited = e.Text, true
				}
				return s
			})
			return t, nil
		}),
		runpipe.Fanout(StepRender, RenderSlidePool, registry, dispatcher, func(ctx context.Context, s Slide) (Slide, error) {
			if err := call(ctx, StepRender); err != nil {
				return s, fmt.Errorf("slide %d: %w", s.Index, err)
			}
			s.Rendered = true
			return s, nil
		}),
		runpipe.Process(StepScore, func(ctx context.Context, t Task) (Task, error) {
			if err := call(ctx, StepScore); err != nil {
				return t, err
			}
			done := lo.CountBy(t.Slides, func(s Slide) bool { return s.Edited && s.Rendered })
			t.Score = float64(done) / float64(len(t.Slides))
			return t, nil
		}),
		runpipe.Process(StepFinalize, func(_ context.Context, t Task) (Task, error) {
			t.Report = fmt.Sprintf("%s: %d slides, %d edits, score %.2f", t.ID, len(t.Slides), len(t.Edits), t.Score)
			return t, nil
		}),
	}, nil
}

func splitSlides(ctx context.Context, t Task, in chan<- Slide) error {
	for _, s := range t.Slides {
		select {
		case in <- s:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func mergeSlides(t Task, out <-chan Slide) (Task, error) {
	rendered := lo.ChannelToSlice(out)
	slices.SortFunc(rendered, func(a, b Slide) int { return a.Index - b.Index })
	t.Slides = rendered
	return t, nil
}
