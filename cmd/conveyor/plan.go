package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arctek/conveyor/ticket"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <id> <draft|approved>",
		Short: "Advance a ticket's plan status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var to ticket.PlanStatus
			switch args[1] {
			case string(ticket.PlanDraft):
				to = ticket.PlanDraft
			case string(ticket.PlanApproved):
				to = ticket.PlanApproved
			default:
				return fmt.Errorf("unknown plan status %q (want draft or approved)", args[1])
			}

			env, err := newEnv()
			if err != nil {
				return err
			}
			defer env.close() //nolint:errcheck

			if err := env.store.SetPlanStatus(id, to, "cli", ""); err != nil {
				return err
			}
			if err := env.store.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s plan -> %s\n", id, to)
			return nil
		},
	}
}
