// Package demo holds the toy programs shipped with the fanout CLI: squares
// of the first n integers, the same with a task that always fails, and a
// hello-world that reports every rank.
package demo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/utkarsh5026/mpifanout/fanout"
)

// Registered function names.
const (
	FuncSquare       = "square"
	FuncSquareOrFail = "square-or-fail"
	FuncSleep        = "sleep"
)

// Program names accepted by Tasks and Master.
const (
	Squares   = "squares"
	Nefarious = "nefarious"
	Sleepy    = "sleepy"
)

// Programs lists the demo programs in display order.
var Programs = []string{Squares, Nefarious, Sleepy}

var errDealWithIt = errors.New("deal with it")

// Registry returns the functions a demo group needs. Every rank must build
// it before joining, because tasks only carry function names.
func Registry() *fanout.Registry {
	fanout.RegisterType(time.Duration(0))

	return fanout.NewRegistry().
		MustRegister(FuncSquare, func(n int) int { return n * n }).
		MustRegister(FuncSquareOrFail, func(n int) (int, error) {
			if n == 0 {
				return 0, errDealWithIt
			}
			return n * n, nil
		}).
		MustRegister(FuncSleep, func(ctx context.Context, n int, d time.Duration) (int, error) {
			select {
			case <-time.After(d):
				return n * n, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		})
}

// Tasks builds the task list of a program over 0..count-1.
func Tasks(reg *fanout.Registry, program string, count int) ([]fanout.Task, error) {
	tasks := make([]fanout.Task, 0, count)
	for n := range count {
		var (
			t   fanout.Task
			err error
		)
		switch program {
		case Squares:
			t, err = reg.Task(FuncSquare, n)
		case Nefarious:
			t, err = reg.Task(FuncSquareOrFail, n)
		case Sleepy:
			t, err = reg.Task(FuncSleep, n, time.Millisecond)
		default:
			return nil, fmt.Errorf("demo: unknown program %q (want one of %v)", program, Programs)
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Check verifies results against what a sequential run would produce.
func Check(program string, results []fanout.Result) error {
	for i, r := range results {
		if program == Nefarious && i == 0 {
			if !r.Failed() || r.Value != nil {
				return fmt.Errorf("demo: task 0 should fail, got %v", r.Value)
			}
			continue
		}
		if r.Failed() {
			return fmt.Errorf("demo: task %d: %w", i, r.Error)
		}
		if r.Value != i*i {
			return fmt.Errorf("demo: task %d returned %v, want %d", i, r.Value, i*i)
		}
	}
	return nil
}

// Options configures Master.
type Options struct {
	Registry *fanout.Registry // defaults to Registry()
	Program  string
	Count    int
	Batches  int
	Out      io.Writer

	// OnBatch is called on the master after every verified batch.
	OnBatch func(fanout.BatchStats)
}

// Master returns the master half of a demo program, suitable for fanout.Run.
// It runs the program Batches times, checks every batch and prints
// "Success!" at the end.
func Master(opts Options) func(ctx context.Context, m *fanout.Controller) error {
	return func(ctx context.Context, m *fanout.Controller) error {
		reg := opts.Registry
		if reg == nil {
			reg = Registry()
		}

		tasks, err := Tasks(reg, opts.Program, opts.Count)
		if err != nil {
			return err
		}

		for range max(opts.Batches, 1) {
			results, err := m.RunTasks(ctx, tasks)
			if err != nil {
				return err
			}
			if err := Check(opts.Program, results); err != nil {
				return err
			}
			if opts.OnBatch != nil {
				opts.OnBatch(m.LastBatch())
			}
		}

		if opts.Out != nil {
			_, _ = fmt.Fprintln(opts.Out, "Success!")
		}
		return nil
	}
}

// Hello writes the greeting of one rank, 1-based as in "hello world 2/4".
func Hello(w io.Writer, rank, size int) error {
	_, err := fmt.Fprintf(w, "hello world %d/%d\n", rank+1, size)
	return err
}
