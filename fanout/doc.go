// Package fanout runs a program in master-worker mode over a fixed-size group
// of processes, letting the master "fan out" batches of deferred function
// calls over every rank and collect the results in their original order.
//
// Rank 0 is the master. Every other rank is a worker that does nothing but
// wait for work, execute it and send results back. From the caller's point
// of view the program stays serial code running on the master.
//
// # Basic Usage
//
// Every rank runs the same program. Functions are registered by name on all
// ranks before the distributed phase starts, because Go functions cannot be
// shipped between processes:
//
//	reg := fanout.NewRegistry().
//	    MustRegister("square", func(n int) int { return n * n })
//
//	m := fanout.New(c, reg) // c is this rank's comm.Communicator
//	if err := m.Init(ctx); err != nil { // never returns on workers
//	    log.Fatal(err)
//	}
//
//	tasks := make([]fanout.Task, 200)
//	for n := range tasks {
//	    tasks[n] = reg.MustTask("square", n)
//	}
//	results, err := m.RunTasks(ctx, tasks)
//	squares, err := fanout.Collect[int](results)
//
//	// Without this the workers wait for the next batch forever.
//	_ = m.Exit(ctx)
//
// # Guarded Entry Point
//
// Forgetting Exit leaves every worker blocked, which on a cluster holds the
// allocated nodes until the job is killed. Run removes that failure mode:
//
//	err := fanout.Run(ctx, c, reg, func(ctx context.Context, m *fanout.Controller) error {
//	    results, err := m.RunTasks(ctx, tasks)
//	    ...
//	    return err
//	})
//
// On the master Run calls Init, runs the callback and always calls Exit. On a
// worker it runs the worker loop (Serve) and returns once the master exits.
//
// # Distribution
//
// A batch of M tasks is striped round-robin: task i runs on rank i%N at
// position i/N of that rank's sublist, so sublists differ in length by at
// most one. The master executes its own sublist between the scatter and the
// gather. Both collectives are barriers, so a batch takes as long as its
// slowest rank and there is no rebalancing between ranks.
//
// # Error Handling
//
// Usage errors (double Init, RunTasks or Exit before Init or after Exit,
// master-only calls on a worker, unknown functions, mismatched arguments)
// wrap ErrUsage and fail fast on the calling rank.
//
// Arguments are serialized with encoding/gob when the batch is distributed.
// A task that cannot be encoded fails the whole RunTasks call with a
// *SerializationError before anything is sent. Custom argument and result
// types must be registered with RegisterType on every rank.
//
// A task whose function returns an error or panics does not abort its batch.
// Its Result carries a *TaskError naming the task index and rank, the other
// tasks complete normally, and the result slice keeps the input length. The
// same rule applies to the tasks the master runs itself. Collect turns the
// markers back into a single joined error.
//
// There is no timeout or cancellation inside the protocol itself: a task that
// never returns stalls its batch and the whole group.
//
// # Configuration Options
//
//   - WithLogger(l): zap logger (default: no-op)
//   - WithSilent(b), WithOutput(w): the master's group-size banner
//   - WithRetryPolicy(n, d): retry failing tasks on the same rank
//   - WithRateLimit(tps, burst): pace task starts per rank
//   - WithCPUAffinity(b): pin each rank's execution to one core
//   - WithBeforeTaskStart, WithOnTaskEnd, WithOnBatchDone: hooks
//   - WithExitFunc(fn): how a worker rank terminates inside Init
package fanout
