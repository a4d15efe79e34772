package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/utkarsh5026/mpifanout/comm/tcp"
	"github.com/utkarsh5026/mpifanout/internal/config"
	"github.com/utkarsh5026/mpifanout/internal/demo"
	"github.com/utkarsh5026/mpifanout/internal/logging"
)

func newRunCommand(global *globalFlags) *cobra.Command {
	var (
		program programFlags
		rank    int
		size    int
		addr    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one rank of a demo program over TCP",
		Long: `Run one rank of a group whose ranks are separate processes. Rank 0
listens on the address, every other rank dials it. Start one process per
rank, all with the same size, address and demo flags.

Rank, size and address can also come from the config file or the
` + config.EnvRank + `, ` + config.EnvSize + ` and ` + config.EnvAddr + ` environment variables.
Flags take precedence over the environment, which takes precedence
over the file.`,
		Example: `  fanout run --size 3 --rank 0 --addr 127.0.0.1:7070 &
  fanout run --size 3 --rank 1 --addr 127.0.0.1:7070 &
  fanout run --size 3 --rank 2 --addr 127.0.0.1:7070`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load(cmd)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("rank") {
				cfg.Rank = rank
			}
			if flags.Changed("size") {
				cfg.Size = size
			}
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			program.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, closeLog, err := logging.New(cfg.Log, cfg.Rank, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()

			strategy, err := cfg.DialBackoff()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := tcp.Join(ctx, tcp.Config{
				Addr:        cfg.Addr,
				Rank:        cfg.Rank,
				Size:        cfg.Size,
				DialTimeout: cfg.Dial.Timeout,
				Backoff:     strategy,
				Logger:      log,
			})
			if err != nil {
				return err
			}

			job := rankJob{
				comm:    c,
				reg:     demo.Registry(),
				cfg:     cfg,
				program: program,
				log:     log,
				out:     cmd.OutOrStdout(),
				errOut:  cmd.ErrOrStderr(),
			}

			stats, err := job.run(ctx)
			if err != nil {
				log.Error("run failed", zap.Error(err))
				return fmt.Errorf("rank %d: %w", cfg.Rank, err)
			}
			renderSummary(job.out, stats)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&rank, "rank", 0, "rank of this process")
	flags.IntVar(&size, "size", 1, "number of ranks in the group")
	flags.StringVar(&addr, "addr", "", "master address (host:port)")
	program.bind(flags)
	return cmd
}
