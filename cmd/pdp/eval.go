package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oarkflow/pdp"
	"github.com/oarkflow/pdp/stores"
)

var evalReq pdp.FlatRequest

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate one access request",
	Long: `Evaluates a request against a bundle (--file) or against the policies
stored in a database (--db). With --db and --record the decision is appended
to the database's decision log.

Example:
  pdp eval -f bundle.yaml --principal alice --roles engineer \
    --resource repo:payments --action write --ip 10.1.2.3 --mfa`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var (
			store pdp.Store
			opts  = []pdp.EngineOption{pdp.WithLogger(cliLogger())}
		)
		record, _ := cmd.Flags().GetBool("record")
		if viper.GetString("db") != "" {
			db, closeDB, err := openDB()
			if err != nil {
				return err
			}
			defer closeDB()
			store = stores.NewSQLStore(db)
			if record {
				emitter := pdp.NewAuditEmitter(stores.NewSQLDecisionLog(db), pdp.WithAuditLogger(cliLogger()))
				defer func() {
					closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = emitter.Close(closeCtx)
				}()
				opts = append(opts, pdp.WithAuditEmitter(emitter))
			}
		} else {
			if record {
				return errors.New("--record needs --db")
			}
			cfg, err := loadBundle()
			if err != nil {
				return err
			}
			mem := stores.NewMemoryStore()
			if err := pdp.ApplyConfig(ctx, mem, cfg); err != nil {
				return err
			}
			store = mem
			opts = append(opts, cfg.Engine.Options()...)
		}

		engine, err := pdp.NewEngine(store, opts...)
		if err != nil {
			return err
		}
		defer engine.Close()

		d, err := engine.EvaluateRequest(ctx, &evalReq)
		if d == nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(d); encErr != nil {
				return encErr
			}
			return err
		}
		printDecision(cmd, d)
		return err
	},
}

func printDecision(cmd *cobra.Command, d *pdp.Decision) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "decision: %s\n", d.Decision)
	fmt.Fprintf(out, "reason:   %s\n", d.Reason)
	if m, ok := d.Matched(); ok {
		fmt.Fprintf(out, "policy:   %s (%s, priority %d)\n", m.PolicyID, m.Name, m.Priority)
	}
	if len(d.Roles) > 0 {
		fmt.Fprintf(out, "roles:    %v\n", d.Roles)
	}
	fmt.Fprintf(out, "snapshot: v%d\n", d.SnapshotVersion)
	for _, w := range d.Warnings {
		fmt.Fprintf(out, "warning:  %s\n", w)
	}
	if verbose, _ := cmd.Flags().GetBool("trace"); verbose {
		for _, t := range d.Trace {
			fmt.Fprintf(out, "  %-24s %-5s prio=%-4d %s %s\n", t.PolicyID, t.Effect, t.Priority, t.Stage, t.Detail)
		}
	}
}

func init() {
	f := evalCmd.Flags()
	f.StringVar(&evalReq.PrincipalID, "principal", "", "principal ID")
	f.StringSliceVar(&evalReq.Roles, "roles", nil, "directly held roles")
	f.StringSliceVar(&evalReq.Groups, "groups", nil, "groups")
	f.StringToStringVar(&evalReq.Principal, "pattr", nil, "principal attribute key=value")
	f.StringVar(&evalReq.Resource, "resource", "", "resource as type:id")
	f.StringVar(&evalReq.Path, "path", "", "resource path")
	f.StringVar(&evalReq.Action, "action", "", "action (read, write, delete, execute, admin, create, update)")
	f.StringVar(&evalReq.IP, "ip", "", "client IP")
	f.BoolVar(&evalReq.MFA, "mfa", false, "second factor verified")
	f.StringVar(&evalReq.At, "at", "", "request time (defaults to now)")
	f.StringToStringVar(&evalReq.Attributes, "attr", nil, "context attribute key=value")
	f.Bool("json", false, "print the decision as JSON")
	f.Bool("trace", false, "print the evaluation trace")
	f.Bool("record", false, "append the decision to the database decision log")
	_ = evalCmd.MarkFlagRequired("principal")
	_ = evalCmd.MarkFlagRequired("action")
	rootCmd.AddCommand(evalCmd)
}
