package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/mpifanout/comm"
)

// cluster is an in-process group: rank 0 is driven by the test, every other
// rank runs its worker loop on its own goroutine.
type cluster struct {
	master  *Controller
	workers []*Worker
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	done    chan struct{}
	err     error
}

func newCluster(t *testing.T, size int, reg *Registry, opts ...Option) *cluster {
	t.Helper()
	return newClusterWithRegistries(t, size, reg, reg, opts...)
}

func newClusterWithRegistries(t *testing.T, size int, masterReg, workerReg *Registry, opts ...Option) *cluster {
	t.Helper()

	ranks, err := comm.NewLocal(size)
	if err != nil {
		t.Fatalf("NewLocal(%d): %v", size, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := &cluster{ctx: ctx, cancel: cancel, g: &errgroup.Group{}, done: make(chan struct{})}
	for _, r := range ranks[1:] {
		w := NewWorker(r, workerReg, opts...)
		c.workers = append(c.workers, w)
		c.g.Go(func() error { return w.Run(ctx) })
	}
	go func() {
		c.err = c.g.Wait()
		close(c.done)
	}()

	c.master = New(ranks[0], masterReg, append([]Option{WithSilent(true)}, opts...)...)
	return c
}

// start calls Init on the master.
func (c *cluster) start(t *testing.T) *cluster {
	t.Helper()
	if err := c.master.Init(c.ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c
}

// shutdown calls Exit and waits for every worker loop to return.
func (c *cluster) shutdown(t *testing.T) {
	t.Helper()
	if err := c.master.Exit(c.ctx); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	<-c.done
	if c.err != nil {
		t.Fatalf("worker loop: %v", c.err)
	}
	for i, w := range c.workers {
		if w.State() != StateStopped {
			t.Errorf("worker %d in state %v after Exit, want Stopped", i+1, w.State())
		}
	}
}

var errDealWithIt = errors.New("deal with it")

func testRegistry() *Registry {
	return NewRegistry().
		MustRegister("square", func(n int) int { return n * n }).
		MustRegister("square-or-fail", func(n int) (int, error) {
			if n == 0 {
				return 0, errDealWithIt
			}
			return n * n, nil
		}).
		MustRegister("square-or-panic", func(n int) int {
			if n == 1 {
				panic("boom")
			}
			return n * n
		}).
		MustRegister("add", func(ctx context.Context, a, b int) int { return a + b }).
		MustRegister("sum", func(nums ...int) int {
			total := 0
			for _, n := range nums {
				total += n
			}
			return total
		}).
		MustRegister("greet", func(name string, kw Kwargs) string {
			greeting := "hello"
			if g, ok := kw["greeting"].(string); ok {
				greeting = g
			}
			return fmt.Sprintf("%s %s", greeting, name)
		}).
		MustRegister("identity", func(v any) any { return v }).
		MustRegister("make-func", func() any { return func() {} }).
		MustRegister("noop", func() {}).
		MustRegister("nil-pointer", func() *callCounter { return nil }).
		MustRegister("nil-map", func() map[string]int { return nil }).
		MustRegister("nil-slice", func() []int { return nil })
}

func squareTasks(t *testing.T, reg *Registry, name string, n int) []Task {
	t.Helper()
	tasks := make([]Task, n)
	for i := range tasks {
		task, err := reg.Task(name, i)
		if err != nil {
			t.Fatalf("Task(%q, %d): %v", name, i, err)
		}
		tasks[i] = task
	}
	return tasks
}

// callCounter counts calls per key across ranks.
type callCounter struct {
	mu    sync.Mutex
	calls map[int]int
}

func (c *callCounter) inc(k int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[int]int)
	}
	c.calls[k]++
	return c.calls[k]
}
