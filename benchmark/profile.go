package benchmark

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/fogfactory/runpipe"
	"github.com/samber/lo"
)

// Profile generates a profile file. It will be outputted as runpipe_{date}_r{runs}_in{childRatio}_{poolsizes}.prof.
//
// - runs Number of concurrent runs in the batch.
// - childRatio Number of children generated at each branching.
// - poolSizes Pool sizes. The first one bounds the top step, each following one adds a fan-out level.
//
// use pprof to read the file (go install github.com/google/pprof@latest).
func Profile(runs, childRatio int, poolSizes ...int) {
	if len(poolSizes) == 0 {
		fmt.Println("at least one pool size is required")
		os.Exit(1)
	}

	// Profile file
	f, err := os.Create(fmt.Sprintf("runpipe_%s_r%d_in%d_%s.prof",
		strings.ReplaceAll(time.Now().Truncate(time.Second).Format(time.DateTime), " ", "-"),
		runs,
		childRatio,
		strings.Join(lo.Map(poolSizes, func(item, _ int) string { return fmt.Sprint(item) }), "-")))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer f.Close()

	// Init pipeline
	names := lo.Times(len(poolSizes), func(i int) string { return fmt.Sprintf("depth-%d", i) })
	cfg := runpipe.DefaultConfig()
	for i, name := range names {
		cfg.Steps[name] = runpipe.StepConfig{Concurrency: poolSizes[i], Timeout: time.Hour}
	}
	registry, err := runpipe.NewRegistry(cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer registry.Close()

	dumbProc := func(_ context.Context, i int) (int, error) { time.Sleep(time.Millisecond); return i, nil }
	dumbDispatch, _ := runpipe.NewDispatch(func(ctx context.Context, parent int, in chan<- int) error {
		for i := 0; i < childRatio; i++ {
			select {
			case in <- parent:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}, func(parent int, out <-chan int) (int, error) {
		_ = lo.ChannelToSlice(out) // discard all
		return parent, nil
	})

	// Each level runs on its own pool and fans out into the next one.
	top := runpipe.Process(names[0], dumbProc)
	child := dumbProc
	for i := len(names) - 1; i > 0; i-- {
		top = runpipe.Fanout(names[i-1], names[i], registry, dumbDispatch, child)
		child = asChild(top)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipeline, err := runpipe.NewPipeline(registry, []runpipe.Step[int]{top}, runpipe.WithLogger(quiet))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	// linear processing equivalent
	totalCall := runs * int(math.Pow(float64(childRatio), float64(len(poolSizes)-1)))
	fmt.Println("totalCalls: ", totalCall, ", minimal seq duration:", time.Duration(totalCall)*time.Millisecond)

	// Start profiling
	var results []runpipe.Result[int]
	func() {
		_ = pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()

		// Run batch
		start := time.Now()
		results = runpipe.RunBatch(context.Background(), pipeline,
			lo.Times(runs, func(i int) runpipe.RunContext[int] { return runpipe.NewRunContext(i) }), 0)
		fmt.Printf("(par: %s)\n", time.Since(start))
	}()

	val := 0
	start := time.Now()
	for i := 0; i < totalCall; i++ {
		val, _ = dumbProc(context.Background(), val)
	}
	fmt.Printf("(seq: %s)\n", time.Since(start))

	succeeded, failed := runpipe.Partition(results)
	fmt.Printf("runs: %d succeeded, %d failed\n", len(succeeded), len(failed))
	agg := pipeline.Aggregate(results...)
	for _, name := range agg.StepNames() {
		st := agg.Steps[name]
		fmt.Printf("%s: count=%d min=%s median=%s avg=%s max=%s\n", name, st.Count, st.Min, st.Median, st.Avg, st.Max)
	}
	fmt.Printf("profile:%s\n", f.Name())

	// Call pprof on a file
	// pprof -http=:8080 $file
	// On all files
	// source <(ls | grep .prof | nl | awk '{print "pprof -http=:"$1 + 8080, $2,$3,"&"}')
}

// asChild runs step inline, as the child of an upper fan-out.
func asChild(step runpipe.Step[int]) func(context.Context, int) (int, error) {
	return func(ctx context.Context, v int) (int, error) {
		out := step.Execute(ctx, runpipe.RunContext[int]{Payload: v})
		if rc, ok := out.Context(); ok {
			return rc.Payload, nil
		}
		return v, out.Err()
	}
}
