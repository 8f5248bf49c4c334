package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/sheaf/internal/cli"
	"github.com/aretw0/sheaf/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sheaf",
	Short: "Sheaf executes batches of REST requests atomically",
	Long: `Sheaf serves resources over HTTP and executes batches of requests against
them inside a single database transaction, nesting a transaction per sub-array.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultPath, "Configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().String("db", "", "Database DSN (overrides the config file)")
	rootCmd.PersistentFlags().String("driver", "", "Database driver: sqlite or postgres")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.Database.DSN = v
	}
	if v, _ := cmd.Flags().GetString("driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, cfg.Validate()
}

// setup loads the configuration and builds the logger.
func setup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := cli.NewLogger(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}
