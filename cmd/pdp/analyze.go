package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oarkflow/pdp"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Report overly permissive policies",
	Long: `Scores every active policy of the bundle. Findings are advisory and
never change decisions.

Example:
  pdp analyze -f bundle.yaml --min-score 40`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadBundle()
		if err != nil {
			return err
		}
		an := pdp.NewAnalyzer()
		an.IncludeInactive = viper.GetBool("include-inactive")
		rep := an.Analyze(cfg.Policies)
		reports := rep.Above(viper.GetInt("min-score"))

		out := cmd.OutOrStdout()
		if viper.GetBool("json") {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		}
		fmt.Fprintf(out, "analyzed %d policies (%d inactive skipped)\n", rep.Analyzed, rep.Skipped)
		for _, pr := range reports {
			fmt.Fprintf(out, "\n%s (%s, %s) score %d\n", pr.PolicyID, pr.Name, pr.Effect, pr.Score)
			for _, f := range pr.Findings {
				fmt.Fprintf(out, "  [%s] %s: %s\n", f.Severity, f.Code, f.Message)
			}
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().Int("min-score", 0, "only report policies scoring at least this much")
	analyzeCmd.Flags().Bool("include-inactive", false, "also analyze inactive policies")
	analyzeCmd.Flags().Bool("json", false, "print the report as JSON")
	_ = viper.BindPFlag("min-score", analyzeCmd.Flags().Lookup("min-score"))
	_ = viper.BindPFlag("include-inactive", analyzeCmd.Flags().Lookup("include-inactive"))
	_ = viper.BindPFlag("json", analyzeCmd.Flags().Lookup("json"))
	rootCmd.AddCommand(analyzeCmd)
}
