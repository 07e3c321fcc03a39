package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arctek/conveyor/graph"
	"github.com/arctek/conveyor/schedule"
)

func newNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Print the next unblocked ticket as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			defer env.close() //nolint:errcheck

			g, _, err := graph.Build(env.store.All())
			if err != nil {
				return err
			}

			buildable := schedule.Buildable(env.store, g)
			if len(buildable) == 0 {
				return errNothingAvailable
			}

			data, err := json.MarshalIndent(buildable[0], "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
