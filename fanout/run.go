package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/utkarsh5026/mpifanout/comm"
)

// exitGrace bounds how long Run waits to deliver the stop sentinel once the
// caller's context is already done.
const exitGrace = 30 * time.Second

// Run is the guarded entry point of a fanout program. On the master it calls
// Init, runs fn, and always calls Exit afterwards, even when fn fails or
// panics, so the workers can never be left parked. On a worker it is Serve.
//
// Example:
//
//	err := fanout.Run(ctx, c, reg, func(ctx context.Context, m *fanout.Controller) error {
//	    results, err := m.RunTasks(ctx, tasks)
//	    ...
//	})
func Run(
	ctx context.Context,
	c comm.Communicator,
	reg *Registry,
	fn func(ctx context.Context, m *Controller) error,
	opts ...Option,
) (err error) {
	if c.Rank() != masterRank {
		return Serve(ctx, c, reg, opts...)
	}

	m := New(c, reg, opts...)
	if err := m.Init(ctx); err != nil {
		return err
	}

	defer func() {
		exitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exitGrace)
		defer cancel()

		r := recover()
		if exitErr := m.Exit(exitCtx); exitErr != nil && !errors.Is(exitErr, ErrAlreadyExited) {
			err = errors.Join(err, exitErr)
		}
		if r != nil {
			panic(r)
		}
	}()

	return fn(ctx, m)
}
