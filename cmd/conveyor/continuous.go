package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arctek/conveyor/runner"
	"github.com/arctek/conveyor/schedule"
)

func newContinuousCmd() *cobra.Command {
	var (
		flagInterval   time.Duration
		flagMaxRuntime time.Duration
		flagPacing     string
	)
	cmd := &cobra.Command{
		Use:   "continuous",
		Short: "Run the build/resolve loop until done or max runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			defer env.close() //nolint:errcheck

			pacingName := env.cfg.Pacing
			if flagPacing != "" {
				pacingName = flagPacing
			}
			pacing, err := schedule.Preset(pacingName)
			if err != nil {
				return err
			}

			rcfg := runner.Config{
				Interval:   env.cfg.Interval.Std(),
				MaxRuntime: env.cfg.MaxRuntime.Std(),
				Pacing:     pacing,
				BaseBranch: env.cfg.BaseBranch,
				Verbose:    env.cfg.Verbose,
			}
			if flagInterval > 0 {
				rcfg.Interval = flagInterval
			}
			if flagMaxRuntime > 0 {
				rcfg.MaxRuntime = flagMaxRuntime
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := env.newVCSClient()
			r := runner.New(env.store, env.newBuilder(), env.newResolver(client), client, rcfg, env.logger)
			if err := r.Run(ctx); err != nil {
				return err
			}
			r.WriteFinalReport(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().DurationVar(&flagInterval, "interval", 0, "poll interval (default from config)")
	cmd.Flags().DurationVar(&flagMaxRuntime, "max-runtime", 0, "graceful stop after this long (default from config)")
	cmd.Flags().StringVar(&flagPacing, "pacing", "", "pacing preset (conservative, moderate, aggressive)")
	return cmd
}
