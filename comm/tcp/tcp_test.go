package tcp_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/mpifanout/comm"
	"github.com/utkarsh5026/mpifanout/comm/tcp"
	"github.com/utkarsh5026/mpifanout/fanout"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

// joinGroup forms a group of size ranks on loopback and returns the handles
// indexed by rank.
func joinGroup(t *testing.T, ctx context.Context, size int) []*tcp.Comm {
	t.Helper()

	ln := listen(t)
	addr := ln.Addr().String()
	comms := make([]*tcp.Comm, size)

	var g errgroup.Group
	g.Go(func() error {
		c, err := tcp.Join(ctx, tcp.Config{Rank: 0, Size: size, Listener: ln})
		comms[0] = c
		return err
	})
	for r := 1; r < size; r++ {
		g.Go(func() error {
			c, err := tcp.Join(ctx, tcp.Config{Addr: addr, Rank: r, Size: size, DialTimeout: 5 * time.Second})
			comms[r] = c
			return err
		})
	}
	require.NoError(t, g.Wait())
	return comms
}

func TestJoin_ScatterGather(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const size = 3
	comms := joinGroup(t, ctx, size)

	var g errgroup.Group
	for _, c := range comms[1:] {
		g.Go(func() error {
			got, err := c.Scatter(ctx, nil, 0)
			if err != nil {
				return err
			}
			_, err = c.Gather(ctx, append(got, byte('0'+c.Rank())), 0)
			return err
		})
	}

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	own, err := comms[0].Scatter(ctx, payloads, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), own)

	all, err := comms[0].Gather(ctx, []byte("a0"), 0)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, [][]byte{[]byte("a0"), []byte("b1"), []byte("c2")}, all)

	for _, c := range comms {
		require.NoError(t, c.Finalize())
		assert.ErrorIs(t, c.Finalize(), comm.ErrFinalized)
	}
}

func TestJoin_Squares(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := fanout.NewRegistry().MustRegister("square", func(n int) int { return n * n })
	comms := joinGroup(t, ctx, 3)

	var g errgroup.Group
	for _, c := range comms[1:] {
		g.Go(func() error { return fanout.Serve(ctx, c, reg) })
	}

	m := fanout.New(comms[0], reg, fanout.WithSilent(true))
	require.NoError(t, m.Init(ctx))

	tasks := make([]fanout.Task, 10)
	for i := range tasks {
		tasks[i] = reg.MustTask("square", i)
	}
	results, err := m.RunTasks(ctx, tasks)
	require.NoError(t, err)

	got, err := fanout.Collect[int](results)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 4, 9, 16, 25, 36, 49, 64, 81}, got)
	for i, r := range results {
		assert.Equal(t, i%3, r.Rank, "task %d", i)
	}

	require.NoError(t, m.Exit(ctx))
	require.NoError(t, g.Wait())
}

func TestJoin_Rejections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln := listen(t)
	addr := ln.Addr().String()

	rootDone := make(chan error, 1)
	var root *tcp.Comm
	go func() {
		c, err := tcp.Join(ctx, tcp.Config{Rank: 0, Size: 3, Listener: ln})
		root = c
		rootDone <- err
	}()

	first, err := tcp.Join(ctx, tcp.Config{Addr: addr, Rank: 1, Size: 3})
	require.NoError(t, err)

	_, err = tcp.Join(ctx, tcp.Config{Addr: addr, Rank: 1, Size: 3})
	assert.ErrorIs(t, err, tcp.ErrRejected, "duplicate rank")

	_, err = tcp.Join(ctx, tcp.Config{Addr: addr, Rank: 2, Size: 4})
	assert.ErrorIs(t, err, tcp.ErrRejected, "size mismatch")

	last, err := tcp.Join(ctx, tcp.Config{Addr: addr, Rank: 2, Size: 3})
	require.NoError(t, err)

	require.NoError(t, <-rootDone)
	for _, c := range []*tcp.Comm{root, first, last} {
		assert.NoError(t, c.Finalize())
	}
}

func TestJoin_Config(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  tcp.Config
	}{
		{name: "empty group", cfg: tcp.Config{Addr: "127.0.0.1:1", Size: 0}},
		{name: "rank out of range", cfg: tcp.Config{Addr: "127.0.0.1:1", Rank: 3, Size: 3}},
		{name: "negative rank", cfg: tcp.Config{Addr: "127.0.0.1:1", Rank: -1, Size: 3}},
		{name: "worker without address", cfg: tcp.Config{Rank: 1, Size: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tcp.Join(ctx, tt.cfg)
			assert.Error(t, err)
		})
	}

	t.Run("single rank needs no network", func(t *testing.T) {
		c, err := tcp.Join(ctx, tcp.Config{Rank: 0, Size: 1})
		require.NoError(t, err)

		got, err := c.Scatter(ctx, [][]byte{[]byte("x")}, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), got)
		require.NoError(t, c.Finalize())
	})
}

func TestJoin_DialTimeout(t *testing.T) {
	ln := listen(t)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	start := time.Now()
	_, err := tcp.Join(context.Background(), tcp.Config{Addr: addr, Rank: 1, Size: 2, DialTimeout: 300 * time.Millisecond})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestComm_Errors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	comms := joinGroup(t, ctx, 2)
	t.Cleanup(func() {
		for _, c := range comms {
			_ = c.Finalize()
		}
	})

	_, err := comms[0].Scatter(ctx, [][]byte{nil, nil}, 1)
	assert.ErrorIs(t, err, comm.ErrBadRoot)

	_, err = comms[0].Scatter(ctx, [][]byte{nil}, 0)
	assert.ErrorIs(t, err, comm.ErrPayloadCount)

	waitCtx, waitCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := comms[1].Scatter(waitCtx, nil, 0)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	waitCancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled scatter did not return")
	}
}
