// Package cli implements the fanout command: demo programs over an
// in-process group ("local") or one rank of a TCP group ("run").
package cli

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/utkarsh5026/mpifanout/internal/config"
	"github.com/utkarsh5026/mpifanout/internal/demo"
)

const description = `fanout runs a batch of tasks over a fixed group of ranks.

Rank 0 is the master: it splits every batch round-robin over all ranks,
itself included, and reassembles the results in submission order.
Every other rank is a worker that executes its share until the master
sends the stop sentinel.`

// globalFlags are shared by every sub-command.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	logOutput  string
	logDir     string
	silent     bool
}

func (g *globalFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&g.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&g.logFormat, "log-format", "", "log format: console, json")
	fs.StringVar(&g.logOutput, "log-output", "", "log output: stderr, file, both")
	fs.StringVar(&g.logDir, "log-dir", "", "directory for per-rank log files (rank-N.log)")
	fs.BoolVar(&g.silent, "silent", false, "do not print the group-size banner")
}

// load reads the config file and environment, then applies changed flags.
func (g *globalFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	if flags.Changed("log-output") {
		cfg.Log.Output = g.logOutput
	}
	if flags.Changed("log-dir") {
		cfg.Log.Dir = g.logDir
	}
	if flags.Changed("silent") {
		cfg.Silent = g.silent
	}
	return cfg, nil
}

// programFlags select what the group computes.
type programFlags struct {
	program     string
	count       int
	batches     int
	hello       bool
	retries     int
	rateLimit   float64
	cpuAffinity bool
	noProgress  bool
}

func (p *programFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&p.program, "demo", demo.Squares, "demo program: squares, nefarious, sleepy")
	fs.IntVar(&p.count, "count", 200, "number of tasks per batch")
	fs.IntVar(&p.batches, "batches", 1, "number of batches to run")
	fs.BoolVar(&p.hello, "hello", false, "only report every rank and exit")
	fs.IntVar(&p.retries, "retries", 0, "extra attempts for a failing task on its rank")
	fs.Float64Var(&p.rateLimit, "rate-limit", 0, "tasks started per second per rank (0 is unlimited)")
	fs.BoolVar(&p.cpuAffinity, "cpu-affinity", false, "pin each rank to one CPU while it executes")
	fs.BoolVar(&p.noProgress, "no-progress", false, "hide the batch progress bar")
}

// apply folds the changed program flags into cfg.
func (p *programFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("retries") {
		cfg.Retry.Attempts = p.retries + 1
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimit = p.rateLimit
	}
	if flags.Changed("cpu-affinity") {
		cfg.CPUAffinity = p.cpuAffinity
	}
}

// NewRootCommand builds the fanout command tree writing to stdout and stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	global := &globalFlags{}

	root := &cobra.Command{
		Use:          "fanout",
		Short:        "Fan batches of tasks out over a group of ranks",
		Long:         description,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	global.bind(root.PersistentFlags())

	root.AddCommand(
		newLocalCommand(global),
		newRunCommand(global),
	)
	return root
}
