// Package comm defines the collective-communication substrate the fanout
// layer runs on: a fixed-size group of ranks exchanging opaque byte payloads
// through two collective operations, Scatter and Gather.
//
// # Barrier Semantics
//
// Both collectives are synchronous and blocking, and every rank in the group
// must call them in the same order with the same root:
//
//   - Scatter(payloads, root): the root supplies exactly Size() payloads and
//     every rank, the root included, receives the payload at its own rank index.
//     Non-root ranks pass nil and block until their payload arrives.
//   - Gather(payload, root): every rank contributes one payload. At the root the
//     call blocks until all Size() payloads have arrived and returns them indexed
//     by rank. Elsewhere it returns nil once the payload has been handed off.
//
// Implementations must never reorder payloads between ranks or let one
// collective overtake another; the fanout protocol relies on that ordering to
// reassemble results. Asynchronous primitives are not a valid substitute.
//
// A blocked collective only returns early when its context is cancelled.
// Finalize releases the group and must be called exactly once per rank; after
// it every collective fails with ErrFinalized.
package comm

import (
	"context"
	"errors"
)

var (
	// ErrFinalized is returned by any collective called after Finalize.
	ErrFinalized = errors.New("comm: group already finalized")

	// ErrPayloadCount is returned when a root scatters a payload list whose
	// length differs from the group size.
	ErrPayloadCount = errors.New("comm: payload count does not match group size")

	// ErrBadRoot is returned when the root is outside [0, Size()) or is not
	// supported by the implementation.
	ErrBadRoot = errors.New("comm: invalid root rank")

	// ErrProtocol is returned when a rank receives a message that does not
	// belong to the collective it is executing.
	ErrProtocol = errors.New("comm: collective protocol violation")
)

// Communicator is one rank's handle on a fixed-size process group.
// Rank and Size never change during the lifetime of the handle.
type Communicator interface {
	// Rank returns this participant's index in [0, Size()).
	Rank() int

	// Size returns the number of ranks in the group (always >= 1).
	Size() int

	// Scatter distributes payloads[i] from root to rank i and returns the
	// payload destined for the caller.
	Scatter(ctx context.Context, payloads [][]byte, root int) ([]byte, error)

	// Gather collects one payload from every rank at root. The slice is
	// indexed by rank and only returned at the root.
	Gather(ctx context.Context, payload []byte, root int) ([][]byte, error)

	// Finalize releases the group resources held by this rank.
	Finalize() error
}
