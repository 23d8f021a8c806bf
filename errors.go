package runpipe

import (
	"errors"
	"fmt"
)

var (
	// ErrStepFailure is the kind of a step that explicitly reported failure.
	ErrStepFailure = errors.New("step failed")
	// ErrStepTimeout is the kind of a step whose watchdog fired first.
	ErrStepTimeout = errors.New("step timed out")
	// ErrUnexpected is the kind of any error escaping the step contract (panics, malformed outcomes, scheduling errors).
	ErrUnexpected = errors.New("unexpected error")
	// ErrCancelled is the kind of a run stopped by its caller's context.
	ErrCancelled = errors.New("run cancelled")

	ErrSchedulerClosed   = errors.New("scheduler closed")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidDispatcher = errors.New("invalid dispatcher")
)

// StepError describes which step stopped a run and why.
//
// errors.Is matches both Kind (one of the Err* kinds above) and the underlying cause.
type StepError struct {
	Step  string
	Index int
	Kind  error
	Err   error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("step %q (#%d): %v", e.Step, e.Index, e.Kind)
	}
	return fmt.Sprintf("step %q (#%d): %v: %v", e.Step, e.Index, e.Kind, e.Err)
}

func (e *StepError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() []error {
	if err, ok := e.Value.(error); ok {
		return []error{ErrUnexpected, err}
	}
	return []error{ErrUnexpected}
}
