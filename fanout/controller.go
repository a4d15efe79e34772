package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/utkarsh5026/mpifanout/comm"
	"github.com/utkarsh5026/mpifanout/internal/wire"
)

var bold = color.New(color.Bold)

// lifecycle is the master's process-wide state. Both flags only ever move
// from false to true.
type lifecycle struct {
	initialized bool
	exited      bool
}

// Controller drives one rank through the distributed phase. On the master it
// plans and runs batches; on a worker, Init hands the rank over to the worker
// loop for good.
type Controller struct {
	mu    sync.Mutex
	comm  comm.Communicator
	reg   *Registry
	cfg   *config
	exec  *executor
	log   *zap.Logger
	state lifecycle
	seq   uint64
	last  BatchStats
}

// New creates a Controller for the rank c belongs to. Nothing is exchanged
// with other ranks until Init.
func New(c comm.Communicator, reg *Registry, opts ...Option) *Controller {
	cfg := newConfig(opts...)
	return &Controller{
		comm: c,
		reg:  reg,
		cfg:  cfg,
		exec: newExecutor(c.Rank(), reg, cfg),
		log:  cfg.logger.With(zap.Int("rank", c.Rank())),
	}
}

// Rank returns this process's rank.
func (m *Controller) Rank() int { return m.comm.Rank() }

// Size returns the group size.
func (m *Controller) Size() int { return m.comm.Size() }

// IsMaster reports whether this is rank 0.
func (m *Controller) IsMaster() bool { return m.comm.Rank() == masterRank }

// Init enters the distributed phase. It must be called once, on every rank.
//
// On the master it prints the group size (unless silenced) and returns.
// On a worker it never returns: the rank runs the worker loop until the
// master calls Exit, then terminates through the exit function (os.Exit by
// default). If an injected exit function returns, Init returns
// ErrWorkerStopped, wrapping the loop error if there was one.
func (m *Controller) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.state.initialized {
		m.mu.Unlock()
		return ErrDoubleInit
	}
	m.state.initialized = true

	if !m.IsMaster() {
		m.mu.Unlock()

		err := newWorker(m.comm, m.reg, m.cfg).Run(ctx)
		code := 0
		if err != nil {
			m.log.Error("worker loop failed", zap.Error(err))
			code = 1
		}
		m.cfg.exitFunc(code)

		if err != nil {
			return fmt.Errorf("%w: %w", ErrWorkerStopped, err)
		}
		return ErrWorkerStopped
	}
	defer m.mu.Unlock()

	if !m.cfg.silent {
		_, _ = bold.Fprintf(m.cfg.out, "fanout: number of ranks = %d\n", m.comm.Size())
	}
	m.log.Info("distributed phase started", zap.Int("size", m.comm.Size()))
	return nil
}

// RunTasks fans tasks out over all ranks, the master included, and returns
// one Result per task in submission order. It is equivalent to calling every
// task sequentially on the master.
//
// A task that fails or panics does not abort the batch: its Result carries a
// *TaskError and every other task still runs. RunTasks itself fails with a
// usage error when called out of lifecycle order or on a worker, with
// *SerializationError when a task cannot be transported (nothing is sent in
// that case), and with a communication error if a collective fails.
func (m *Controller) RunTasks(ctx context.Context, tasks []Task) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkDistributing(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return []Result{}, nil
	}

	start := time.Now()
	size := m.comm.Size()

	frames := make([]wire.TaskFrame, len(tasks))
	for i, t := range tasks {
		if t.fn == "" {
			return nil, fmt.Errorf("%w: task %d was not built by a Registry", ErrUsage, i)
		}
		data, err := wire.Marshal(t.call())
		if err != nil {
			return nil, &SerializationError{Index: i, Func: t.fn, Err: err}
		}
		frames[i] = wire.TaskFrame{Index: i, Data: data}
	}

	parts, err := Stripe(frames, size)
	if err != nil {
		return nil, err
	}

	seq := m.seq + 1
	payloads := make([][]byte, size)
	for r, p := range parts {
		if payloads[r], err = wire.Marshal(wire.Batch{Seq: seq, Tasks: p}); err != nil {
			return nil, fmt.Errorf("fanout: encode batch for rank %d: %w", r, err)
		}
	}
	m.seq = seq

	own, err := m.comm.Scatter(ctx, payloads, masterRank)
	if err != nil {
		return nil, fmt.Errorf("fanout: scatter batch %d: %w", seq, err)
	}

	var mine wire.Batch
	if err := wire.Unmarshal(own, &mine); err != nil {
		return nil, fmt.Errorf("%w: master batch: %v", ErrProtocol, err)
	}
	reply, err := wire.Marshal(m.exec.execute(ctx, mine))
	if err != nil {
		return nil, fmt.Errorf("fanout: encode master reply: %w", err)
	}

	gathered, err := m.comm.Gather(ctx, reply, masterRank)
	if err != nil {
		return nil, fmt.Errorf("fanout: gather batch %d: %w", seq, err)
	}

	stats := BatchStats{Seq: seq, Tasks: len(tasks), PerRank: make([]RankStats, size)}
	outcomes := make([][]wire.Outcome, size)
	for r, raw := range gathered {
		var rep wire.Reply
		if err := wire.Unmarshal(raw, &rep); err != nil {
			return nil, fmt.Errorf("%w: reply from rank %d: %v", ErrProtocol, r, err)
		}
		if rep.Seq != seq || rep.Rank != r {
			return nil, fmt.Errorf("%w: rank %d answered batch %d as rank %d, want batch %d", ErrProtocol, r, rep.Seq, rep.Rank, seq)
		}
		outcomes[r] = rep.Outcomes
		stats.PerRank[r] = RankStats{Rank: r, Tasks: len(rep.Outcomes), Elapsed: rep.Elapsed}
	}

	flat, err := Unstripe(outcomes, len(tasks))
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(flat))
	for i, o := range flat {
		if o.Index != i {
			return nil, fmt.Errorf("%w: result at position %d belongs to task %d", ErrProtocol, i, o.Index)
		}
		results[i] = m.toResult(i, i%size, o)
		if results[i].Error != nil {
			stats.Failed++
			stats.PerRank[i%size].Failed++
		}
	}

	stats.Elapsed = time.Since(start)
	m.last = stats
	m.log.Debug("batch done",
		zap.Uint64("seq", seq),
		zap.Int("tasks", stats.Tasks),
		zap.Int("failed", stats.Failed),
		zap.Duration("elapsed", stats.Elapsed),
	)
	if m.cfg.onBatchDone != nil {
		m.cfg.onBatchDone(stats)
	}
	return results, nil
}

func (m *Controller) toResult(index, rank int, o wire.Outcome) Result {
	r := Result{Index: index, Rank: rank}
	if o.Err != nil {
		r.Error = toTaskError(index, rank, o.Err)
		return r
	}

	v, err := wire.UnmarshalValue(o.Data)
	if err != nil {
		r.Error = &TaskError{Index: index, Rank: rank, Message: fmt.Sprintf("decode result: %v", err)}
		return r
	}
	r.Value = v
	return r
}

// LastBatch returns statistics for the most recent successful batch.
func (m *Controller) LastBatch() BatchStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Exit ends the distributed phase: it sends the stop sentinel to every rank,
// which moves each worker loop to StateStopped, and finalizes the group.
// It must be called exactly once on the master; forgetting it leaves every
// worker blocked in StateWaitingForBatch forever. Prefer Run, which cannot
// forget.
func (m *Controller) Exit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkDistributing(); err != nil {
		return err
	}
	m.state.exited = true

	stop, err := wire.Marshal(wire.Batch{Seq: m.seq + 1, Stop: true})
	if err != nil {
		return fmt.Errorf("fanout: encode stop sentinel: %w", err)
	}
	payloads := make([][]byte, m.comm.Size())
	for r := range payloads {
		payloads[r] = stop
	}

	_, scatterErr := m.comm.Scatter(ctx, payloads, masterRank)
	if scatterErr != nil {
		scatterErr = fmt.Errorf("fanout: broadcast stop: %w", scatterErr)
	}
	finalizeErr := m.comm.Finalize()

	m.log.Info("distributed phase ended", zap.Uint64("batches", m.seq))
	return errors.Join(scatterErr, finalizeErr)
}

func (m *Controller) checkDistributing() error {
	switch {
	case !m.state.initialized:
		return ErrNotInitialized
	case m.state.exited:
		return ErrAlreadyExited
	case !m.IsMaster():
		return ErrRankMismatch
	}
	return nil
}
