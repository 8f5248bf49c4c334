package main

import (
	"fmt"

	"github.com/aretw0/sheaf/internal/cli"
	"github.com/aretw0/sheaf/internal/ledger"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}

		db, err := cli.OpenDatabase(cmd.Context(), cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := ledger.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ledger schema ready (%s)\n", cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
