package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/oarkflow/squealx"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oarkflow/pdp"
	"github.com/oarkflow/pdp/logger"
	"github.com/oarkflow/pdp/stores"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pdp",
	Short: "pdp - access-control policy decision point",
	Long: `pdp works with policy bundles: YAML or JSON files holding roles,
policies, role assignments and engine settings.

Settings can also come from a config file (--config) or from environment
variables with the PDP_ prefix, e.g. PDP_FILE=bundle.yaml PDP_DB=pdp.db.

Commands:
  validate    Validate every role, policy and assignment of a bundle
  analyze     Report overly permissive policies
  stats       Summarize a bundle
  eval        Evaluate one access request
  apply       Store a bundle in SQLite
  verify-log  Verify the decision log hash chain`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "CLI settings file")
	rootCmd.PersistentFlags().StringP("file", "f", "", "policy bundle (.yaml, .yml or .json)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database file")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")
	_ = viper.BindPFlag("file", rootCmd.PersistentFlags().Lookup("file"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(rootCmd.ErrOrStderr(), "warning: read %s: %v\n", cfgFile, err)
		}
	}
	viper.SetEnvPrefix("PDP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func cliLogger() logger.Logger {
	if viper.GetBool("verbose") {
		return logger.NewPhusluLogger()
	}
	return logger.NewNullLogger()
}

// loadBundle reads the bundle named by --file or PDP_FILE.
func loadBundle() (*pdp.Config, error) {
	path := viper.GetString("file")
	if path == "" {
		return nil, errors.New("no bundle given: use --file or PDP_FILE")
	}
	cfg, err := pdp.NewConfigLoader().LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// openDB opens and migrates the SQLite database named by --db or PDP_DB.
func openDB() (*squealx.DB, func(), error) {
	path := viper.GetString("db")
	if path == "" {
		return nil, nil, errors.New("no database given: use --db or PDP_DB")
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(context.Background()); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	db := squealx.NewDb(sqlDB, "sqlite", path)
	if err := stores.Migrate(db); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return db, func() { sqlDB.Close() }, nil
}
