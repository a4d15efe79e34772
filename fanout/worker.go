package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/utkarsh5026/mpifanout/comm"
	"github.com/utkarsh5026/mpifanout/internal/wire"
)

// masterRank is the rank that plans batches and is the root of every collective.
const masterRank = 0

// WorkerState is a state of the worker loop.
type WorkerState int32

const (
	// StateWaitingForBatch: blocked in Scatter until the master sends work.
	StateWaitingForBatch WorkerState = iota
	// StateExecuting: running the tasks of the received sublist.
	StateExecuting
	// StateStopped: terminal; the stop sentinel arrived or the group failed.
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateWaitingForBatch:
		return "WaitingForBatch"
	case StateExecuting:
		return "Executing"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("WorkerState(%d)", int32(s))
	}
}

// Worker runs the receive-execute-reply loop of a non-master rank.
type Worker struct {
	comm    comm.Communicator
	exec    *executor
	log     *zap.Logger
	state   atomic.Int32
	started atomic.Bool
	batches atomic.Uint64
}

// NewWorker creates the loop for the rank c belongs to. It does not start it.
func NewWorker(c comm.Communicator, reg *Registry, opts ...Option) *Worker {
	return newWorker(c, reg, newConfig(opts...))
}

func newWorker(c comm.Communicator, reg *Registry, cfg *config) *Worker {
	return &Worker{
		comm: c,
		exec: newExecutor(c.Rank(), reg, cfg),
		log:  cfg.logger.With(zap.Int("rank", c.Rank())),
	}
}

// Serve is the top-level entry point of a worker rank: it runs the worker
// loop until the master sends the stop sentinel, finalizes the group and
// returns nil. It performs no other work.
func Serve(ctx context.Context, c comm.Communicator, reg *Registry, opts ...Option) error {
	return NewWorker(c, reg, opts...).Run(ctx)
}

// State returns the current loop state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// Batches returns how many batches this worker has completed.
func (w *Worker) Batches() uint64 { return w.batches.Load() }

// Run executes the loop. It blocks in StateWaitingForBatch until the master
// scatters the next batch; there is no timeout, so a master that never calls
// Exit leaves Run blocked until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.comm.Rank() == masterRank {
		return fmt.Errorf("%w: worker loop started on the master rank", ErrUsage)
	}
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: worker loop already running", ErrUsage)
	}

	defer w.state.Store(int32(StateStopped))
	w.log.Debug("worker loop started", zap.Int("size", w.comm.Size()))

	for {
		w.state.Store(int32(StateWaitingForBatch))

		payload, err := w.comm.Scatter(ctx, nil, masterRank)
		if err != nil {
			return fmt.Errorf("rank %d: waiting for batch: %w", w.comm.Rank(), err)
		}

		var b wire.Batch
		if err := wire.Unmarshal(payload, &b); err != nil {
			w.abandon(ctx)
			return fmt.Errorf("%w: rank %d: undecodable batch: %v", ErrProtocol, w.comm.Rank(), err)
		}

		if b.Stop {
			w.log.Debug("stop sentinel received", zap.Uint64("batches", w.batches.Load()))
			if err := w.comm.Finalize(); err != nil && !errors.Is(err, comm.ErrFinalized) {
				return err
			}
			return nil
		}

		w.state.Store(int32(StateExecuting))
		reply := w.exec.execute(ctx, b)

		data, err := wire.Marshal(reply)
		if err != nil {
			return fmt.Errorf("rank %d: encode reply: %w", w.comm.Rank(), err)
		}
		if _, err := w.comm.Gather(ctx, data, masterRank); err != nil {
			return fmt.Errorf("rank %d: returning results: %w", w.comm.Rank(), err)
		}

		w.batches.Add(1)
		w.log.Debug("batch done",
			zap.Uint64("seq", b.Seq),
			zap.Int("tasks", len(b.Tasks)),
			zap.Duration("elapsed", reply.Elapsed),
		)
	}
}

// abandon answers a batch this rank could not read with an empty reply, so
// the master's gather returns and it rejects the batch instead of waiting.
func (w *Worker) abandon(ctx context.Context) {
	data, err := wire.Marshal(wire.Reply{Rank: w.comm.Rank()})
	if err == nil {
		_, err = w.comm.Gather(ctx, data, masterRank)
	}
	if err != nil {
		w.log.Warn("could not answer undecodable batch", zap.Error(err))
	}
}
