package comm

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
)

type messageKind uint8

const (
	kindScatter messageKind = iota + 1
	kindGather
)

type message struct {
	kind    messageKind
	payload []byte
}

// localGroup wires every ordered pair of ranks with a single-slot channel.
// links[from][to] carries messages from rank "from" to rank "to".
type localGroup struct {
	size  int
	links [][]chan message
}

// Local is an in-process Communicator. A group of Local handles behaves like a
// group of processes whose ranks run on separate goroutines; payloads are
// copied on every hop so no rank ever observes another rank's memory.
type Local struct {
	group     *localGroup
	rank      int
	finalized atomic.Bool
}

var _ Communicator = (*Local)(nil)

// NewLocal creates an in-process group of size ranks and returns one handle
// per rank, indexed by rank.
//
// Example:
//
//	ranks, _ := comm.NewLocal(4)
//	for _, c := range ranks[1:] {
//	    go fanout.Serve(ctx, c, reg)
//	}
//	master := fanout.New(ranks[0], reg)
func NewLocal(size int) ([]*Local, error) {
	if size < 1 {
		return nil, fmt.Errorf("comm: group size must be >= 1, got %d", size)
	}

	g := &localGroup{size: size, links: make([][]chan message, size)}
	for from := range size {
		g.links[from] = make([]chan message, size)
		for to := range size {
			if from != to {
				g.links[from][to] = make(chan message, 1)
			}
		}
	}

	handles := make([]*Local, size)
	for r := range size {
		handles[r] = &Local{group: g, rank: r}
	}
	return handles, nil
}

// Rank returns the rank of this handle.
func (l *Local) Rank() int { return l.rank }

// Size returns the number of ranks in the group.
func (l *Local) Size() int { return l.group.size }

// Scatter implements Communicator.
func (l *Local) Scatter(ctx context.Context, payloads [][]byte, root int) ([]byte, error) {
	if err := l.check(root); err != nil {
		return nil, err
	}

	if l.rank != root {
		m, err := l.recv(ctx, root)
		if err != nil {
			return nil, err
		}
		if m.kind != kindScatter {
			return nil, fmt.Errorf("%w: rank %d expected scatter from %d", ErrProtocol, l.rank, root)
		}
		return m.payload, nil
	}

	if len(payloads) != l.group.size {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrPayloadCount, len(payloads), l.group.size)
	}

	for r := range l.group.size {
		if r == root {
			continue
		}
		if err := l.send(ctx, r, message{kind: kindScatter, payload: bytes.Clone(payloads[r])}); err != nil {
			return nil, err
		}
	}
	return bytes.Clone(payloads[root]), nil
}

// Gather implements Communicator.
func (l *Local) Gather(ctx context.Context, payload []byte, root int) ([][]byte, error) {
	if err := l.check(root); err != nil {
		return nil, err
	}

	if l.rank != root {
		return nil, l.send(ctx, root, message{kind: kindGather, payload: bytes.Clone(payload)})
	}

	out := make([][]byte, l.group.size)
	out[root] = bytes.Clone(payload)
	for r := range l.group.size {
		if r == root {
			continue
		}
		m, err := l.recv(ctx, r)
		if err != nil {
			return nil, err
		}
		if m.kind != kindGather {
			return nil, fmt.Errorf("%w: root expected gather from rank %d", ErrProtocol, r)
		}
		out[r] = m.payload
	}
	return out, nil
}

// Finalize marks this handle as released. A second call returns ErrFinalized.
func (l *Local) Finalize() error {
	if !l.finalized.CompareAndSwap(false, true) {
		return ErrFinalized
	}
	return nil
}

func (l *Local) check(root int) error {
	if l.finalized.Load() {
		return ErrFinalized
	}
	if root < 0 || root >= l.group.size {
		return fmt.Errorf("%w: %d", ErrBadRoot, root)
	}
	return nil
}

func (l *Local) send(ctx context.Context, to int, m message) error {
	select {
	case l.group.links[l.rank][to] <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) recv(ctx context.Context, from int) (message, error) {
	select {
	case m := <-l.group.links[from][l.rank]:
		return m, nil
	case <-ctx.Done():
		return message{}, ctx.Err()
	}
}
