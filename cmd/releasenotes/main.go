package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/odvcencio/releasenotes/pkg/config"
	"github.com/odvcencio/releasenotes/pkg/logging"
)

// app carries what PersistentPreRunE loaded to the subcommands.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

var (
	loadConfigFn     = config.Load
	loadConfigPathFn = config.LoadFromPath
)

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "releasenotes",
		Short: "Generate release notes from git history and tickets",
		Long: `releasenotes serves a websocket endpoint that accepts a release description,
extracts the commit messages between two tags of the named repository and
streams generated release notes back to the client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a config file (default: ~/.releasenotes/config.yaml then ./.releasenotes/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(a), newSyncCmd(a), newHistoryCmd(a))
	return root
}

func (a *app) load() error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = loadConfigPathFn(a.configPath)
	} else {
		cfg, err = loadConfigFn()
	}
	if err != nil {
		return withExitCode(err, exitCodeConfig)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return withExitCode(fmt.Errorf("failed to initialize logger: %w", err), exitCodeConfig)
	}
	for _, warning := range cfg.ValidationWarnings() {
		logging.For(logger, logging.CategoryConfig).Warn(warning)
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", formatError(err))
		os.Exit(exitCodeForError(err))
	}
}
