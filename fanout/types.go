package fanout

import (
	"errors"
	"fmt"
	"time"
)

// Result is the outcome of one task of a batch.
//
// Fields:
//   - Value: the function's return value (nil when it returns none or failed)
//   - Error: nil on success, otherwise a *TaskError
//   - Index: the task's position in the slice passed to RunTasks
//   - Rank: the rank that executed the task (Index % group size)
type Result struct {
	Value any
	Error error
	Index int
	Rank  int
}

// Failed reports whether the task did not produce a value.
func (r Result) Failed() bool { return r.Error != nil }

// Collect converts successful values to R, in order. Task failures and values
// of the wrong type are joined into the returned error; their slots hold the
// zero value. Use it to turn the per-task failure markers of a batch back
// into all-or-nothing semantics on the caller's side.
func Collect[R any](results []Result) ([]R, error) {
	out := make([]R, len(results))
	var errs []error

	for i, r := range results {
		if r.Error != nil {
			errs = append(errs, r.Error)
			continue
		}
		if r.Value == nil {
			continue
		}
		v, ok := r.Value.(R)
		if !ok {
			errs = append(errs, fmt.Errorf("fanout: result %d is %T, want %T", i, r.Value, out[i]))
			continue
		}
		out[i] = v
	}
	return out, errors.Join(errs...)
}

// FirstError returns the error of the lowest-index failed task, or nil.
func FirstError(results []Result) error {
	for _, r := range results {
		if r.Error != nil {
			return r.Error
		}
	}
	return nil
}

// RankStats summarises one rank's share of a batch.
type RankStats struct {
	Rank    int
	Tasks   int
	Failed  int
	Elapsed time.Duration
}

// BatchStats summarises one RunTasks call.
type BatchStats struct {
	Seq     uint64
	Tasks   int
	Failed  int
	Elapsed time.Duration
	PerRank []RankStats
}
