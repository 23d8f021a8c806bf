// Package perf records a timing span per (run, step) pair and folds the spans of a batch of runs
// into per-step statistics.
package perf

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// Span is the timing of one step of one run. It is never modified once recorded.
type Span struct {
	RunID     string        `json:"run_id" yaml:"run_id"`
	Step      string        `json:"step" yaml:"step"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time     `json:"ended_at" yaml:"ended_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Success   bool          `json:"success" yaml:"success"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// RunAggregate holds every span of a run.
type RunAggregate struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	Spans     []Span    `json:"spans" yaml:"spans"`
	// TotalDuration is the latest span end minus StartedAt.
	TotalDuration time.Duration `json:"total_duration" yaml:"total_duration"`
}

// Token identifies an open span.
type Token struct {
	runID     string
	step      string
	startedAt time.Time
}

// RunID returns the run the span belongs to.
func (t Token) RunID() string { return t.runID }

// Step returns the step name of the span.
func (t Token) Step() string { return t.step }

// Recorder collects spans for any number of concurrent runs.
type Recorder struct {
	now      func() time.Time
	observer func(Span)

	mu   sync.Mutex
	runs map[string]*RunAggregate
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithObserver is called with every span once recorded, outside of the recorder lock.
func WithObserver(fn func(Span)) Option {
	return func(r *Recorder) { r.observer = fn }
}

// NewRecorder builds an empty recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		now:  time.Now,
		runs: map[string]*RunAggregate{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartRun registers runID with its start time. Runs not registered start with their first span.
func (r *Recorder) StartRun(runID string, startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		run.StartedAt = startedAt
		return
	}
	r.runs[runID] = &RunAggregate{RunID: runID, StartedAt: startedAt}
}

// StartSpan opens a span for step of runID.
func (r *Recorder) StartSpan(runID, step string) Token {
	now := r.now()
	r.mu.Lock()
	if _, ok := r.runs[runID]; !ok {
		r.runs[runID] = &RunAggregate{RunID: runID, StartedAt: now}
	}
	r.mu.Unlock()
	return Token{runID: runID, step: step, startedAt: now}
}

// EndSpan closes the span of tok, appends it to its run and returns its duration.
func (r *Recorder) EndSpan(tok Token, success bool, err error) time.Duration {
	ended := r.now()
	span := Span{
		RunID:     tok.runID,
		Step:      tok.step,
		StartedAt: tok.startedAt,
		EndedAt:   ended,
		Duration:  ended.Sub(tok.startedAt),
		Success:   success,
	}
	if err != nil {
		span.Error = err.Error()
	}

	r.mu.Lock()
	run, ok := r.runs[tok.runID]
	if !ok {
		run = &RunAggregate{RunID: tok.runID, StartedAt: tok.startedAt}
		r.runs[tok.runID] = run
	}
	run.Spans = append(run.Spans, span)
	if total := ended.Sub(run.StartedAt); total > run.TotalDuration {
		run.TotalDuration = total
	}
	r.mu.Unlock()

	if r.observer != nil {
		r.observer(span)
	}
	return span.Duration
}

// Run returns a copy of the aggregate of runID.
func (r *Recorder) Run(runID string) (RunAggregate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return RunAggregate{}, false
	}
	cp := *run
	cp.Spans = append([]Span(nil), run.Spans...)
	return cp, true
}

// Discard forgets runID.
func (r *Recorder) Discard(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

// Aggregate folds the given runs into per-step statistics. Unknown run ids are skipped and
// repeated ones counted once.
func (r *Recorder) Aggregate(runIDs ...string) BatchAggregate {
	runIDs = lo.Uniq(runIDs)
	runs := make([]RunAggregate, 0, len(runIDs))
	for _, id := range runIDs {
		if run, ok := r.Run(id); ok {
			runs = append(runs, run)
		}
	}
	return Aggregate(runs)
}
