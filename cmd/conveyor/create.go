package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arctek/conveyor/graph"
	"github.com/arctek/conveyor/ticket"
	"github.com/arctek/conveyor/workstream"
)

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <plan.md>",
		Short: "Ingest a markdown plan into tickets, build the graph and group workstreams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			defer env.close() //nolint:errcheck

			tickets, err := ticket.IngestFile(args[0])
			if err != nil {
				return err
			}
			if len(tickets) == 0 {
				return fmt.Errorf("no tickets found in %s", args[0])
			}

			// Validate the whole document against the existing set before
			// anything is persisted; a bad plan leaves the store untouched.
			combined := append(env.store.All(), tickets...)
			g, warnings, err := graph.Build(combined)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				env.logger.Warn(w)
			}

			if err := env.store.AddBatch(tickets); err != nil {
				return err
			}
			for id, phase := range g.Phase {
				if err := env.store.SetPhase(id, phase); err != nil {
					return err
				}
			}

			streams := workstream.Group(combined, g)
			if err := env.store.Save(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created %d tickets in %d workstreams (%d phases)\n",
				len(tickets), len(streams), g.MaxPhase()+1)
			for _, ws := range streams {
				fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s: %d tickets\n", ws.ID, ws.Name, len(ws.Tickets))
			}
			return nil
		},
	}
}
