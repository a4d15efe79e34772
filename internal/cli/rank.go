package cli

import (
	"context"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/utkarsh5026/mpifanout/comm"
	"github.com/utkarsh5026/mpifanout/fanout"
	"github.com/utkarsh5026/mpifanout/internal/config"
	"github.com/utkarsh5026/mpifanout/internal/demo"
)

// rankJob is everything one rank needs to take part in a demo run.
type rankJob struct {
	comm    comm.Communicator
	reg     *fanout.Registry
	cfg     config.Config
	program programFlags
	log     *zap.Logger
	out     io.Writer
	errOut  io.Writer
}

func (j rankJob) options() []fanout.Option {
	opts := []fanout.Option{
		fanout.WithLogger(j.log),
		fanout.WithSilent(j.cfg.Silent),
		fanout.WithOutput(j.out),
		fanout.WithRetryPolicy(j.cfg.Retry.Attempts, j.cfg.Retry.InitialDelay),
		fanout.WithCPUAffinity(j.cfg.CPUAffinity),
	}
	if j.cfg.RateLimit > 0 {
		opts = append(opts, fanout.WithRateLimit(j.cfg.RateLimit, 1))
	}
	return opts
}

// run takes the rank through the whole distributed phase. On the master it
// returns the statistics of every batch.
func (j rankJob) run(ctx context.Context) ([]fanout.BatchStats, error) {
	if j.program.hello {
		if err := demo.Hello(j.out, j.comm.Rank(), j.comm.Size()); err != nil {
			return nil, err
		}
		return nil, fanout.Run(ctx, j.comm, j.reg, func(context.Context, *fanout.Controller) error {
			return nil
		}, j.options()...)
	}

	var stats []fanout.BatchStats
	var bar *progressbar.ProgressBar
	if j.comm.Rank() == 0 && !j.program.noProgress {
		bar = newProgressBar(j.errOut, max(j.program.batches, 1))
	}

	err := fanout.Run(ctx, j.comm, j.reg, demo.Master(demo.Options{
		Registry: j.reg,
		Program:  j.program.program,
		Count:    j.program.count,
		Batches:  j.program.batches,
		Out:      j.out,
		OnBatch: func(s fanout.BatchStats) {
			stats = append(stats, s)
			if bar != nil {
				_ = bar.Add(1)
			}
		},
	}), j.options()...)

	if bar != nil {
		_ = bar.Finish()
	}
	return stats, err
}

// lockedWriter serializes writes from ranks running in one process.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
