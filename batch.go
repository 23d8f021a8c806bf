package runpipe

import (
	"context"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// RunBatch runs every initial context through p, at most maxInFlight at once (unbounded if
// maxInFlight <= 0), and returns the results in input order. A deadline on ctx bounds the whole
// batch: runs still going when it passes fail with ErrCancelled.
func RunBatch[P any](ctx context.Context, p *Pipeline[P], initials []RunContext[P], maxInFlight int) []Result[P] {
	results := make([]Result[P], len(initials))

	var g errgroup.Group
	if maxInFlight > 0 {
		g.SetLimit(maxInFlight)
	}
	for i, rc := range initials {
		g.Go(func() error {
			results[i] = p.Run(ctx, rc)
			return nil
		})
	}
	_ = g.Wait() // runs report their own errors
	return results
}

// Partition splits results into succeeded and failed runs.
func Partition[P any](results []Result[P]) (succeeded, failed []Result[P]) {
	return lo.FilterReject(results, func(r Result[P], _ int) bool { return r.Success })
}
