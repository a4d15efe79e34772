package fanout

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/mpifanout/comm"
)

// runGroup starts Run on every rank of a local group and returns the master's
// error and the joined worker errors.
func runGroup(t *testing.T, size int, fn func(context.Context, *Controller) error) (masterErr, workerErr error) {
	t.Helper()

	ranks, err := comm.NewLocal(size)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	ctx := context.Background()
	reg := testRegistry()

	var g errgroup.Group
	for _, r := range ranks[1:] {
		g.Go(func() error { return Run(ctx, r, reg, fn) })
	}

	masterErr = Run(ctx, ranks[0], reg, fn, WithSilent(true))
	workerErr = g.Wait()
	return masterErr, workerErr
}

func TestRun(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var got []int
		masterErr, workerErr := runGroup(t, 3, func(ctx context.Context, m *Controller) error {
			results, err := m.RunTasks(ctx, squareTasks(t, m.reg, "square", 10))
			if err != nil {
				return err
			}
			got, err = Collect[int](results)
			return err
		})
		if masterErr != nil || workerErr != nil {
			t.Fatalf("master: %v, workers: %v", masterErr, workerErr)
		}
		for i, v := range got {
			if v != i*i {
				t.Errorf("got[%d] = %d, want %d", i, v, i*i)
			}
		}
	})

	t.Run("error still exits", func(t *testing.T) {
		masterErr, workerErr := runGroup(t, 3, func(ctx context.Context, m *Controller) error {
			return errDealWithIt
		})
		if !errors.Is(masterErr, errDealWithIt) {
			t.Errorf("master error = %v, want errDealWithIt", masterErr)
		}
		if workerErr != nil {
			t.Errorf("workers: %v", workerErr)
		}
	})

	t.Run("panic still exits", func(t *testing.T) {
		ranks, err := comm.NewLocal(2)
		if err != nil {
			t.Fatalf("NewLocal: %v", err)
		}
		ctx := context.Background()
		reg := testRegistry()

		w := NewWorker(ranks[1], reg)
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		func() {
			defer func() {
				if r := recover(); r != "master exploded" {
					t.Errorf("recovered %v, want the original panic", r)
				}
			}()
			_ = Run(ctx, ranks[0], reg, func(context.Context, *Controller) error {
				panic("master exploded")
			}, WithSilent(true))
		}()

		if err := <-done; err != nil {
			t.Errorf("worker loop: %v", err)
		}
		if w.State() != StateStopped {
			t.Errorf("worker state = %v, want Stopped", w.State())
		}
	})

	t.Run("explicit exit inside fn", func(t *testing.T) {
		masterErr, workerErr := runGroup(t, 2, func(ctx context.Context, m *Controller) error {
			return m.Exit(ctx)
		})
		if masterErr != nil || workerErr != nil {
			t.Fatalf("master: %v, workers: %v", masterErr, workerErr)
		}
	})
}
