package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arctek/conveyor/graph"
	"github.com/arctek/conveyor/schedule"
)

func newBuildCmd() *cobra.Command {
	var (
		flagYes    bool
		flagPacing string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Estimate the buildable batch, gate on approval and emit the build queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			defer env.close() //nolint:errcheck

			g, warnings, err := graph.Build(env.store.All())
			if err != nil {
				return err
			}
			for _, w := range warnings {
				env.logger.Warn(w)
			}

			batch := schedule.Buildable(env.store, g)
			if len(batch) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing buildable: no approved tickets with all dependencies built.")
				return errNothingAvailable
			}

			est := schedule.Estimate(batch)
			pacing := est.Recommended
			if flagPacing != "" {
				pacing, err = schedule.Preset(flagPacing)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Batch: %d tickets\n", est.Tickets)
			fmt.Fprintf(out, "  files:    ~%d\n", est.TotalFiles)
			fmt.Fprintf(out, "  lines:    ~%d\n", est.TotalLines)
			fmt.Fprintf(out, "  tests:    ~%d\n", est.TotalTests)
			fmt.Fprintf(out, "  duration: ~%s\n", est.TotalDuration)
			fmt.Fprintf(out, "  pacing:   %s (limit %d, stagger %s, max runtime %s)\n",
				pacing.Name, pacing.ConcurrentLimit, pacing.DelayBetweenStarts, pacing.MaxRuntime)
			for _, t := range batch {
				fmt.Fprintf(out, "    phase %d  %-12s %s\n", g.Phase[t.ID], t.ID, t.Summary)
			}

			// One aggregated gate for the whole batch; no per-ticket prompts.
			if !flagYes {
				fmt.Fprint(out, "Proceed with this batch? [y/N] ")
				reader := bufio.NewReader(cmd.InOrStdin())
				answer, _ := reader.ReadString('\n')
				answer = strings.ToLower(strings.TrimSpace(answer))
				if answer != "y" && answer != "yes" {
					fmt.Fprintln(out, "Aborted.")
					return errNothingAvailable
				}
			}

			queue := schedule.NewQueue(batch, g, pacing)
			if err := queue.WriteFile(env.cfg.QueuePath); err != nil {
				return err
			}
			fmt.Fprintf(out, "Queue written to %s (%d entries)\n", env.cfg.QueuePath, len(queue.Entries))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip the approval gate")
	cmd.Flags().StringVar(&flagPacing, "pacing", "", "pacing preset override (conservative, moderate, aggressive)")
	return cmd
}
