/*
runpipe runs benchmark pipelines: many concurrent runs, each driving a context through the same ordered list of named steps, with one bounded goroutine pool per step.

It allows to fine tune a benchmark against an external service by bounding each stage on its own.

A typical slide editing benchmark looks like:

- prepare: build the initial slide state. Cheap and local, pool of 10.
- edit: ask the LLM backed service for an edit. Slow and rate limited, pool of 3.
- apply, render, score, finalize: each with its own pool, sized for what it costs.

Every run submits its current step to the pool named after that step (see Registry). A run never holds more than one slot,
so a slow "edit" pool backs up on its own while the other stages keep draining. Registry.Status shows where runs are queued.

Each step runs under a watchdog (Config timeouts, 10 minutes by default). When it fires, or when the caller's context ends, the step
context is cancelled and the run fails right away: steps are expected to return promptly on cancellation and to release whatever
they borrowed, typically through resource.With.

Steps never mutate the context they receive: they return a new RunContext, so a failed run still reports every context produced before the
failure (Result.Completed).

Timing is recorded per run and per step by a perf.Recorder, then folded into per-step statistics across a batch of runs (Pipeline.Aggregate).

Pool sizing follows the usual trade-off. A step which mostly waits on a remote API can have a large pool, as long as the remote side copes.
A step which burns CPU is better sized to the cpu count. As for any performance tuning, you should try and tune.
*/

package runpipe
