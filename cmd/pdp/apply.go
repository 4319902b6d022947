package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oarkflow/pdp"
	"github.com/oarkflow/pdp/stores"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Store a bundle in SQLite",
	Long: `Validates the bundle, migrates the database and upserts roles,
policies and assignments. Replaced policies are archived with their previous
version.

Example:
  pdp apply -f bundle.yaml --db pdp.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadBundle()
		if err != nil {
			return err
		}
		db, closeDB, err := openDB()
		if err != nil {
			return err
		}
		defer closeDB()

		store := stores.NewSQLStore(db)
		if err := pdp.ApplyConfig(cmd.Context(), store, cfg); err != nil {
			return err
		}
		v, err := store.Version(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d roles, %d policies, %d assignments (store version %d)\n",
			len(cfg.Roles), len(cfg.Policies), len(cfg.Assignments), v)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
}
