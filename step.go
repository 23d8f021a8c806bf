package runpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// Step is one named unit of pipeline work. It knows nothing about scheduling: the engine runs
// Execute on the pool named after the step.
type Step[P any] struct {
	Name    string
	Execute func(ctx context.Context, rc RunContext[P]) Outcome[P]
	// Pools names the other registry pools Execute submits to, checked by NewPipeline.
	Pools []string
}

// Func builds a step from a function returning either a new context or an error.
func Func[P any](name string, fn func(context.Context, RunContext[P]) (RunContext[P], error)) Step[P] {
	return Step[P]{Name: name, Execute: func(ctx context.Context, rc RunContext[P]) Outcome[P] {
		next, err := fn(ctx, rc)
		if err != nil {
			return Fail[P](err)
		}
		return Succeed(next)
	}}
}

// Process builds a step which only transforms the payload.
func Process[P any](name string, proc func(context.Context, P) (P, error)) Step[P] {
	return Func(name, func(ctx context.Context, rc RunContext[P]) (RunContext[P], error) {
		payload, err := proc(ctx, rc.Payload)
		if err != nil {
			return rc, err
		}
		return rc.WithPayload(payload), nil
	})
}

// Link merges several steps into one named step, run in a single slot of its pool.
// The first failure stops the chain.
func Link[P any](name string, steps ...Step[P]) Step[P] {
	pools := lo.Uniq(lo.FlatMap(steps, func(s Step[P], _ int) []string { return s.Pools }))
	return Step[P]{Name: name, Pools: pools, Execute: func(ctx context.Context, rc RunContext[P]) Outcome[P] {
		return lo.Reduce(steps, func(out Outcome[P], step Step[P], _ int) Outcome[P] {
			cur, ok := out.Context()
			if !ok {
				return out
			}
			if err := ctx.Err(); err != nil {
				return Fail[P](err)
			}
			return step.Execute(ctx, cur)
		}, Succeed(rc))
	}}
}

// Split produces the children of a parent on in. It must stop early once ctx is done.
type Split[Parent, Child any] func(ctx context.Context, parent Parent, in chan<- Child) error

// Merge folds the processed children back into their parent. It must read out until closed.
type Merge[Parent, Child any] func(parent Parent, out <-chan Child) (Parent, error)

// Dispatch combines Split and Merge since there are linked: parent -(Split)-> [children...] -(Merge)-> parent
type Dispatch[Parent, Child any] struct {
	split Split[Parent, Child]
	merge Merge[Parent, Child]
}

// NewDispatch creates a Dispatch from Split and Merge functions.
func NewDispatch[Parent, Child any](split Split[Parent, Child], merge Merge[Parent, Child]) (Dispatch[Parent, Child], error) {
	result := Dispatch[Parent, Child]{split, merge}
	return result, result.Validate()
}

// Validate checks that both functions are set.
func (d Dispatch[Parent, Child]) Validate() error {
	if d.merge == nil || d.split == nil {
		var p Parent
		var c Child
		return fmt.Errorf("%w from %T to %T", ErrInvalidDispatcher, p, c)
	}
	return nil
}

// Fanout builds a step which splits the payload into children, runs child on each of them in the
// registry pool named childPool, then merges the results back.
//
// childPool must differ from name: the parent holds a slot of its own pool while its children run.
// Any child failure fails the step, and the remaining children see their context cancelled.
func Fanout[Parent, Child any](
	name, childPool string,
	registry *Registry,
	dispatch Dispatch[Parent, Child],
	child func(context.Context, Child) (Child, error),
) Step[Parent] {
	step := Func(name, func(ctx context.Context, rc RunContext[Parent]) (RunContext[Parent], error) {
		if err := dispatch.Validate(); err != nil {
			return rc, err
		}
		if childPool == name {
			return rc, fmt.Errorf("%w: step %q cannot fan out into its own pool", ErrInvalidDispatcher, name)
		}
		pool, err := registry.PoolFor(childPool)
		if err != nil {
			return rc, err
		}

		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		var (
			mu       sync.Mutex
			errs     []error
			splitErr error
		)
		fail := func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			cancel(err)
		}

		in := make(chan Child)
		out := make(chan Child)
		go func() {
			defer close(in)
			splitErr = dispatch.split(ctx, rc.Payload, in)
		}()
		go func() {
			defer close(out)
			var wg sync.WaitGroup
			for c := range in {
				h := pool.Submit(ctx, func(ctx context.Context) error {
					res, err := child(ctx, c)
					if err != nil {
						return err
					}
					select {
					case out <- res:
						return nil
					case <-ctx.Done():
						return context.Cause(ctx)
					}
				})
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := h.Wait(context.Background()); err != nil {
						fail(err)
					}
				}()
			}
			wg.Wait()
		}()

		merged, mergeErr := dispatch.merge(rc.Payload, out)

		// confirm that all elements in out channel were consumed
		leaked := 0
		for range out {
			leaked++
		}
		if leaked > 0 {
			return rc, fmt.Errorf("%w: merge of %q left %d children unread", ErrInvalidDispatcher, name, leaked)
		}

		mu.Lock()
		defer mu.Unlock()
		if err := errors.Join(append([]error{splitErr, mergeErr}, errs...)...); err != nil {
			return rc, err
		}
		return rc.WithPayload(merged), nil
	})
	step.Pools = []string{childPool}
	return step
}
