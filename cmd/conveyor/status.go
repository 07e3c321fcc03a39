package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arctek/conveyor/graph"
	"github.com/arctek/conveyor/ticket"
)

func newStatusCmd() *cobra.Command {
	var flagActionable bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the board grouped by phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			defer env.close() //nolint:errcheck

			all := env.store.All()
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tickets.")
				return nil
			}

			g, _, err := graph.Build(all)
			if err != nil {
				return err
			}

			var rows []ticket.Ticket
			for _, t := range all {
				if flagActionable && !t.Actionable() {
					continue
				}
				rows = append(rows, t)
			}
			if flagActionable && len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing needs human attention.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tID\tPRIORITY\tPLAN\tBUILD\tPR\tRETRIES\tSUMMARY")
			var merged, escalated, manual int
			for phase := 0; phase <= g.MaxPhase(); phase++ {
				for _, t := range rows {
					if g.Phase[t.ID] != phase {
						continue
					}
					flags := ""
					if t.NeedsManualRebase {
						flags = " [manual rebase]"
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s%s\n",
						phase, t.ID, t.Priority, t.PlanStatus, t.BuildStatus, t.PRStatus, t.RetryCount, t.Summary, flags)
					if t.PRStatus == ticket.PRMerged {
						merged++
					}
					if t.BuildStatus == ticket.BuildEscalated {
						escalated++
					}
					if t.NeedsManualRebase {
						manual++
					}
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d tickets, %d merged, %d escalated, %d need manual rebase\n",
				len(rows), merged, escalated, manual)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagActionable, "actionable", false, "only tickets waiting on a human")
	return cmd
}
