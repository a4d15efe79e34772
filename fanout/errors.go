package fanout

import (
	"errors"
	"fmt"
)

// ErrUsage is wrapped by every error that reports a violation of the
// master/worker programming model. These are programmer errors and are never
// worth retrying.
var ErrUsage = errors.New("fanout: usage error")

var (
	ErrDoubleInit     = fmt.Errorf("%w: double call to Init", ErrUsage)
	ErrNotInitialized = fmt.Errorf("%w: called without prior call to Init", ErrUsage)
	ErrAlreadyExited  = fmt.Errorf("%w: called after Exit", ErrUsage)
	ErrRankMismatch   = fmt.Errorf("%w: master-only operation called on a worker rank", ErrUsage)
	ErrNotCallable    = fmt.Errorf("%w: not a registered function", ErrUsage)
	ErrDuplicateFunc  = fmt.Errorf("%w: function name already registered", ErrUsage)
	ErrBadArguments   = fmt.Errorf("%w: arguments do not match function signature", ErrUsage)
)

// ErrWorkerStopped is returned by Init on a worker rank when the configured
// exit function returns instead of terminating the process.
var ErrWorkerStopped = errors.New("fanout: worker rank stopped")

// ErrProtocol reports a reply that does not belong to the batch in flight.
var ErrProtocol = errors.New("fanout: protocol violation")

// SerializationError reports a task that could not be transported. It is
// raised on the master before anything is scattered, so the group stays in
// a consistent state and the batch can be fixed and resubmitted.
type SerializationError struct {
	Index int    // logical index of the offending task
	Func  string // registered function name
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("fanout: task %d (%s) is not serializable: %v", e.Index, e.Func, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// TaskError is the per-task failure marker stored in Result.Error when a
// callable returns an error, panics, or its result cannot be sent back.
type TaskError struct {
	Index    int    // logical index in the submitted batch
	Rank     int    // rank that executed the task
	Func     string // registered function name
	Message  string // error text as produced on the executing rank
	Panicked bool
}

func (e *TaskError) Error() string {
	verb := "failed"
	if e.Panicked {
		verb = "panicked"
	}
	return fmt.Sprintf("fanout: task %d (%s) %s on rank %d: %s", e.Index, e.Func, verb, e.Rank, e.Message)
}

// LengthMismatchError is returned when a rank hands back a result sublist of
// the wrong length for the striping rule.
type LengthMismatchError struct {
	Rank int
	Got  int
	Want int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("fanout: rank %d returned %d results, want %d", e.Rank, e.Got, e.Want)
}
