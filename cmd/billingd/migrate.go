package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newEnvironment(ctx, flags)
			if err != nil {
				return err
			}
			defer env.Close()

			if err := runMigrations(ctx, env); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", migrationDialect(env.config.Database.Driver))
			return nil
		},
	}
}
