package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every role, policy and assignment of a bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadBundle()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			out := cmd.ErrOrStderr()
			var joined interface{ Unwrap() []error }
			if errors.As(err, &joined) {
				for _, e := range joined.Unwrap() {
					fmt.Fprintf(out, "  - %v\n", e)
				}
			} else {
				fmt.Fprintf(out, "  - %v\n", err)
			}
			return errors.New("bundle is invalid")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d roles, %d policies, %d assignments\n",
			len(cfg.Roles), len(cfg.Policies), len(cfg.Assignments))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
