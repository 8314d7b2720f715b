package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Applies pending SQL migrations (ban_addresses, owner_housing_scores, address_job_runs, first_names) in filename order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var lp lazyPool
		defer lp.close()
		pool, err := lp.get(ctx)
		if err != nil {
			return err
		}

		applied, err := migrate.Run(ctx, pool)
		if err != nil {
			return err
		}
		for _, name := range applied {
			fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
		}
		zap.L().Info("migrations up to date", zap.String("command", "migrate"), zap.Int("applied", len(applied)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
