package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arctek/conveyor/graph"
)

func newDependsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depends <id> <dep-id>",
		Short: "Add a dependency edge (id blocked by dep-id)",
		Long:  "Adds a blocked_by edge and revalidates the graph. An edge that would\ncreate a cycle is rolled back and reported.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, depID := args[0], args[1]

			env, err := newEnv()
			if err != nil {
				return err
			}
			defer env.close() //nolint:errcheck

			if err := env.store.AddDependency(id, depID); err != nil {
				return err
			}

			g, _, err := graph.Build(env.store.All())
			if err != nil {
				// Roll the edge back so the store stays valid.
				if rbErr := env.store.RemoveDependency(id, depID); rbErr != nil {
					return fmt.Errorf("rollback failed after invalid edge: %w", rbErr)
				}
				if saveErr := env.store.Save(); saveErr != nil {
					return saveErr
				}
				var cycleErr *graph.CycleError
				if errors.As(err, &cycleErr) {
					return fmt.Errorf("edge %s -> %s rejected: %w", id, depID, err)
				}
				return err
			}

			for tid, phase := range g.Phase {
				if err := env.store.SetPhase(tid, phase); err != nil {
					return err
				}
			}
			if err := env.store.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now blocked by %s (phase %d)\n", id, depID, g.Phase[id])
			return nil
		},
	}
}
