package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/mpifanout/comm"
	"github.com/utkarsh5026/mpifanout/internal/config"
	"github.com/utkarsh5026/mpifanout/internal/demo"
	"github.com/utkarsh5026/mpifanout/internal/logging"
)

func newLocalCommand(global *globalFlags) *cobra.Command {
	var (
		program programFlags
		ranks   int
	)

	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run a demo program over an in-process group",
		Long: `Run a demo program with every rank on its own goroutine of this
process. The ranks talk through channels instead of the network, so this
is the quickest way to see the master/worker protocol at work.`,
		Example: `  fanout local -n 4
  fanout local -n 8 --demo nefarious --batches 5
  fanout local -n 4 --hello`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ranks") || (global.configPath == "" && !config.SizeFromEnv()) {
				cfg.Size = ranks
			}
			cfg.Rank = 0
			program.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			group, err := comm.NewLocal(cfg.Size)
			if err != nil {
				return err
			}

			out := &lockedWriter{w: cmd.OutOrStdout()}
			errOut := &lockedWriter{w: cmd.ErrOrStderr()}
			reg := demo.Registry()

			// Build every logger before any rank starts, so a bad log
			// config cannot leave workers waiting on a master that never runs.
			jobs := make([]rankJob, cfg.Size)
			for r, c := range group {
				log, closeLog, err := logging.New(cfg.Log, r, errOut)
				if err != nil {
					return err
				}
				defer closeLog()

				jobs[r] = rankJob{
					comm:    c,
					reg:     reg,
					cfg:     cfg,
					program: program,
					log:     log,
					out:     out,
					errOut:  errOut,
				}
			}

			ctx := cmd.Context()
			var g errgroup.Group
			for _, j := range jobs[1:] {
				g.Go(func() error {
					if _, err := j.run(ctx); err != nil {
						return fmt.Errorf("rank %d: %w", j.comm.Rank(), err)
					}
					return nil
				})
			}

			stats, masterErr := jobs[0].run(ctx)
			if err := errors.Join(masterErr, g.Wait()); err != nil {
				jobs[0].log.Error("run failed", zap.Error(err))
				return err
			}

			renderSummary(out, stats)
			return nil
		},
	}

	cmd.Flags().IntVarP(&ranks, "ranks", "n", 4, "number of ranks in the group")
	program.bind(cmd.Flags())
	return cmd
}
