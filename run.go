package runpipe

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the state of a pipeline run.
type RunState string

const (
	StatePending   RunState = "pending"
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
)

// Terminal reports whether no transition leaves s.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// RunContext is the per-run record threaded through the steps. It is a value: a step returns a
// new RunContext rather than mutating the one it received, and Payload should be treated the same
// way so that earlier snapshots stay intact.
type RunContext[P any] struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	StartTime time.Time `json:"start_time" yaml:"start_time"`
	EndTime   time.Time `json:"end_time" yaml:"end_time"`
	Success   bool      `json:"success" yaml:"success"`
	Err       error     `json:"-" yaml:"-"`
	Payload   P         `json:"payload" yaml:"payload"`
}

// NewRunContext starts a run context carrying payload, with a fresh run id.
func NewRunContext[P any](payload P) RunContext[P] {
	return RunContext[P]{
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
		Payload:   payload,
	}
}

// WithPayload returns a copy of rc carrying payload.
func (rc RunContext[P]) WithPayload(payload P) RunContext[P] {
	rc.Payload = payload
	return rc
}

// Ended reports whether the run reached a terminal state.
func (rc RunContext[P]) Ended() bool {
	return !rc.EndTime.IsZero()
}

// Duration is EndTime minus StartTime, or the time elapsed so far.
func (rc RunContext[P]) Duration() time.Duration {
	if rc.Ended() {
		return rc.EndTime.Sub(rc.StartTime)
	}
	return time.Since(rc.StartTime)
}

// Outcome is what a step returns: either a new context or an error, never both.
// Build it with Succeed or Fail. The zero Outcome is neither and fails the run as unexpected.
type Outcome[P any] struct {
	rc  RunContext[P]
	err error
	ok  bool
}

// Succeed is the outcome of a step producing rc.
func Succeed[P any](rc RunContext[P]) Outcome[P] {
	return Outcome[P]{rc: rc, ok: true}
}

// Fail is the outcome of a step reporting err. A nil err is replaced by ErrStepFailure.
func Fail[P any](err error) Outcome[P] {
	if err == nil {
		err = ErrStepFailure
	}
	return Outcome[P]{err: err}
}

// Success reports whether the outcome holds a context.
func (o Outcome[P]) Success() bool { return o.ok }

// Context returns the produced context, if any.
func (o Outcome[P]) Context() (RunContext[P], bool) { return o.rc, o.ok }

// Err returns the failure, if any.
func (o Outcome[P]) Err() error { return o.err }

// Result is the terminal report of a run.
type Result[P any] struct {
	State   RunState      `json:"state" yaml:"state"`
	Success bool          `json:"success" yaml:"success"`
	Final   RunContext[P] `json:"final" yaml:"final"`
	Err     error         `json:"-" yaml:"-"`
	// FailedStep is the index of the step that failed the run, -1 otherwise.
	FailedStep int `json:"failed_step" yaml:"failed_step"`
	// Completed holds the context produced by every step that finished, in order.
	Completed []RunContext[P] `json:"-" yaml:"-"`
}

// RunID returns the id of the run.
func (r Result[P]) RunID() string { return r.Final.RunID }
