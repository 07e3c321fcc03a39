package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPRCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pr-check",
		Short: "Run one PR resolution pass over every open PR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			defer env.close() //nolint:errcheck

			outcomes, err := env.newResolver(env.newVCSClient()).ResolveAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(outcomes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No open PRs to check.")
				return nil
			}
			for _, o := range outcomes {
				line := fmt.Sprintf("%-12s PR #%-5d %s", o.TicketID, o.PRNumber, o.Action)
				if o.Detail != "" {
					line += " (" + o.Detail + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}
