// Package cli holds the barcode-drop command tree.
package cli

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/barcode-drop/backend/internal/config"
	"github.com/barcode-drop/backend/internal/logging"
	"github.com/barcode-drop/backend/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string

	// LookupEnv reads environment overrides; os.LookupEnv when nil.
	LookupEnv func(string) (string, bool)
}

// NewRootCommand creates the root command. Without a subcommand it serves.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	serve := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "barcode-drop",
		Short: "Barcode scan relay",
		Long: `Stores barcode scans in PostgreSQL and pushes every insert and delete to
the scanning user's open /watch WebSocket sessions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, serve)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (debug|info|warning|error)")
	serve.bind(cmd)

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))

	return cmd
}

// loadConfig layers file, environment and the global flag override, then
// configures logging for the command.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, errors.Trace(err)
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if err := logging.Configure(cmd.ErrOrStderr(), cfg.Log.Level); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// openStore connects to the configured database for one-shot commands.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg.Database.URL == "" {
		return nil, errors.NotValidf("missing database URL (set %s)", config.EnvDatabaseURL)
	}
	return store.Open(ctx, cfg.Database.URL, cfg.Listener.Channel)
}
