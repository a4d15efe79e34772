package fanout

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/utkarsh5026/mpifanout/internal/backoff"
	"github.com/utkarsh5026/mpifanout/internal/cpu"
	"github.com/utkarsh5026/mpifanout/internal/wire"
)

// executor applies the per-task execution rule. The master runs its own
// sublist through the same executor as the workers, so failures are
// captured identically on every rank.
type executor struct {
	rank  int
	reg   *Registry
	cfg   *config
	log   *zap.Logger
	delay backoff.Strategy
}

func newExecutor(rank int, reg *Registry, cfg *config) *executor {
	return &executor{
		rank:  rank,
		reg:   reg,
		cfg:   cfg,
		log:   cfg.logger.With(zap.Int("rank", rank)),
		delay: backoff.New(backoff.Exponential, cfg.initialDelay, time.Minute, 0),
	}
}

// execute runs every task of b strictly in order and builds this rank's reply.
func (e *executor) execute(ctx context.Context, b wire.Batch) wire.Reply {
	start := time.Now()

	if e.cfg.affinity {
		release, core, err := cpu.PinRank(e.rank)
		if err != nil {
			e.log.Warn("cpu pinning failed", zap.Int("core", core), zap.Error(err))
		}
		defer func() {
			if err := release(); err != nil {
				e.log.Warn("cpu affinity not restored, thread stays locked", zap.Int("core", core), zap.Error(err))
			}
		}()
	}

	outcomes := make([]wire.Outcome, len(b.Tasks))
	for i, f := range b.Tasks {
		outcomes[i] = e.runOne(ctx, f)
	}

	return wire.Reply{
		Seq:      b.Seq,
		Rank:     e.rank,
		Outcomes: outcomes,
		Elapsed:  time.Since(start),
	}
}

func (e *executor) runOne(ctx context.Context, f wire.TaskFrame) wire.Outcome {
	var call wire.Call
	if err := wire.Unmarshal(f.Data, &call); err != nil {
		return e.fail(f.Index, "", fmt.Sprintf("decode task: %v", err), false)
	}

	c, ok := e.reg.lookup(call.Func)
	if !ok {
		return e.fail(f.Index, call.Func, fmt.Sprintf("function %q is not registered on rank %d", call.Func, e.rank), false)
	}

	t := Task{fn: call.Func, args: call.Args, kwargs: call.Kwargs}
	if e.cfg.beforeTaskStart != nil {
		e.cfg.beforeTaskStart(t)
	}

	out := e.produce(ctx, c, t, f.Index)

	if e.cfg.onTaskEnd != nil {
		r := Result{Index: f.Index, Rank: e.rank}
		if out.Err != nil {
			r.Error = toTaskError(f.Index, e.rank, out.Err)
		} else {
			r.Value, _ = wire.UnmarshalValue(out.Data)
		}
		e.cfg.onTaskEnd(t, r)
	}
	return out
}

func (e *executor) produce(ctx context.Context, c *callable, t Task, index int) wire.Outcome {
	if e.cfg.rateLimiter != nil {
		if err := e.cfg.rateLimiter.Wait(ctx); err != nil {
			return e.fail(index, t.fn, err.Error(), false)
		}
	}

	val, panicked, err := e.callWithRetry(ctx, c, t)
	if err != nil {
		return e.fail(index, t.fn, err.Error(), panicked)
	}

	data, err := wire.MarshalValue(val)
	if err != nil {
		return e.fail(index, t.fn, fmt.Sprintf("result is not serializable: %v", err), false)
	}
	return wire.Outcome{Index: index, Data: data}
}

// callWithRetry invokes the task, retrying ordinary errors with exponential
// backoff when a retry policy is configured.
func (e *executor) callWithRetry(ctx context.Context, c *callable, t Task) (val any, panicked bool, err error) {
	attempts := max(e.cfg.maxAttempts, 1)

	for attempt := range attempts {
		if attempt > 0 && e.cfg.initialDelay > 0 {
			timer := time.NewTimer(e.delay.Next(attempt - 1))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, false, ctx.Err()
			}
		}

		val, panicked, err = e.callWithRecovery(ctx, c, t)
		if err == nil || panicked {
			return val, panicked, err
		}
		if attempt < attempts-1 {
			e.log.Debug("retrying task", zap.String("func", t.fn), zap.Int("attempt", attempt+1), zap.Error(err))
		}
	}
	return val, panicked, err
}

// callWithRecovery converts a panic inside the user function into an error
// carrying the stack trace, so one bad task never takes its rank down.
func (e *executor) callWithRecovery(ctx context.Context, c *callable, t Task) (val any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			val, panicked = nil, true
			err = fmt.Errorf("panic: %v\nstack trace:\n%s", r, buf[:n])
		}
	}()

	val, err = c.invoke(ctx, t.args, t.kwargs)
	return val, false, err
}

func (e *executor) fail(index int, fn, msg string, panicked bool) wire.Outcome {
	e.log.Debug("task failed", zap.Int("index", index), zap.String("func", fn), zap.Bool("panicked", panicked))
	return wire.Outcome{
		Index: index,
		Err:   &wire.Failure{Func: fn, Message: msg, Panicked: panicked},
	}
}

func toTaskError(index, rank int, f *wire.Failure) *TaskError {
	return &TaskError{
		Index:    index,
		Rank:     rank,
		Func:     f.Func,
		Message:  f.Message,
		Panicked: f.Panicked,
	}
}
