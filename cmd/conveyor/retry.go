package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Return an escalated ticket to automation with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			defer env.close() //nolint:errcheck

			if err := env.store.Retry(args[0], "cli"); err != nil {
				return err
			}
			if err := env.store.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s returned to automation (retry counter reset)\n", args[0])
			return nil
		},
	}
}
