package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/oarkflow/pdp"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize a bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadBundle()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		byType := map[string]int{}
		byEffect := map[string]int{}
		active := 0
		for _, p := range cfg.Policies {
			byType[string(p.Type)]++
			byEffect[string(p.Effect)]++
			if p.Active {
				active++
			}
		}
		fmt.Fprintf(out, "Policies: %d (%d active)\n", len(cfg.Policies), active)
		printCounts(cmd, "  by type", byType)
		printCounts(cmd, "  by effect", byEffect)

		graph := pdp.NewRoleGraph(cfg.Roles)
		deepest, depth := "", 0
		perms := 0
		for _, r := range cfg.Roles {
			perms += len(r.Permissions)
			if d := graph.Depth(r.ID); d > depth {
				deepest, depth = r.ID, d
			}
		}
		fmt.Fprintf(out, "Roles: %d (%d permissions)\n", len(cfg.Roles), perms)
		if deepest != "" {
			fmt.Fprintf(out, "  deepest inheritance: %s (%d levels)\n", deepest, depth)
		}

		byStatus := map[string]int{}
		principals := map[string]struct{}{}
		for _, a := range cfg.Assignments {
			byStatus[string(a.Status)]++
			principals[a.PrincipalID] = struct{}{}
		}
		fmt.Fprintf(out, "Assignments: %d (%d principals)\n", len(cfg.Assignments), len(principals))
		printCounts(cmd, "  by status", byStatus)
		return nil
	},
}

func printCounts(cmd *cobra.Command, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprint(cmd.OutOrStdout(), label+":")
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), " %s=%d", k, counts[k])
	}
	fmt.Fprintln(cmd.OutOrStdout())
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
