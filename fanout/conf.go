package fanout

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Option is a functional option for configuring a Controller or Worker.
// Every rank of a group should be built with the same options.
type Option func(*config)

type config struct {
	logger          *zap.Logger
	out             io.Writer
	silent          bool
	maxAttempts     int
	initialDelay    time.Duration
	rateLimiter     *rate.Limiter
	affinity        bool
	exitFunc        func(code int)
	beforeTaskStart func(Task)
	onTaskEnd       func(Task, Result)
	onBatchDone     func(BatchStats)
}

func newConfig(opts ...Option) *config {
	cfg := &config{
		logger:      zap.NewNop(),
		out:         os.Stdout,
		maxAttempts: 1,
		exitFunc:    os.Exit,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithSilent suppresses the group-size banner the master prints on Init.
func WithSilent(silent bool) Option {
	return func(cfg *config) {
		cfg.silent = silent
	}
}

// WithOutput sets where the master prints its banner. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(cfg *config) {
		if w != nil {
			cfg.out = w
		}
	}
}

// WithRetryPolicy re-runs a failing task on the same rank up to maxAttempts
// times in total. Delays start at initialDelay and double on each retry.
// Panicking tasks are not retried.
func WithRetryPolicy(maxAttempts int, initialDelay time.Duration) Option {
	return func(cfg *config) {
		if maxAttempts > 0 {
			cfg.maxAttempts = maxAttempts
		}
		if initialDelay > 0 {
			cfg.initialDelay = initialDelay
		}
	}
}

// WithRateLimit caps how fast each rank starts tasks.
//
// Example:
//
//	WithRateLimit(10, 5) // each rank starts at most 10 tasks/sec, bursts of 5
func WithRateLimit(tasksPerSecond float64, burst int) Option {
	return func(cfg *config) {
		if tasksPerSecond > 0 && burst > 0 {
			cfg.rateLimiter = rate.NewLimiter(rate.Limit(tasksPerSecond), burst)
		}
	}
}

// WithCPUAffinity pins the goroutine executing a rank's sublist to CPU
// rank % NumCPU for the duration of each batch.
func WithCPUAffinity(enabled bool) Option {
	return func(cfg *config) {
		cfg.affinity = enabled
	}
}

// WithExitFunc replaces os.Exit as the way a worker rank terminates after its
// loop stops inside Init.
func WithExitFunc(fn func(code int)) Option {
	return func(cfg *config) {
		if fn != nil {
			cfg.exitFunc = fn
		}
	}
}

// WithBeforeTaskStart registers a hook called on the executing rank before
// each task runs.
func WithBeforeTaskStart(fn func(Task)) Option {
	return func(cfg *config) {
		cfg.beforeTaskStart = fn
	}
}

// WithOnTaskEnd registers a hook called on the executing rank after each
// task, with its local result.
func WithOnTaskEnd(fn func(Task, Result)) Option {
	return func(cfg *config) {
		cfg.onTaskEnd = fn
	}
}

// WithOnBatchDone registers a hook called on the master after every batch.
func WithOnBatchDone(fn func(BatchStats)) Option {
	return func(cfg *config) {
		cfg.onBatchDone = fn
	}
}
