package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/usersvc/internal/config"
	"github.com/dreamware/usersvc/internal/logging"
)

// newRootCmd builds the usersvc command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "usersvc",
		Short:         "Users REST service with an optional clustered mode",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", os.Getenv("USERSVC_CONFIG"), "YAML config file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(), newWorkerCmd())
	return root
}

// loadConfig layers flags that were set explicitly on top of the file and
// environment configuration.
func loadConfig(cmd *cobra.Command, apply func(*config.Config)) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if apply != nil {
		apply(&cfg)
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) (*zap.SugaredLogger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Dev)
}
