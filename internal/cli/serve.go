package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/barcode-drop/backend/internal/app"
	"github.com/barcode-drop/backend/internal/config"
)

// ServeOptions are the serve flags. They are also accepted on the root
// command so a bare invocation serves.
type ServeOptions struct {
	Port int
	Mock bool
}

func (o *ServeOptions) bind(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&o.Port, "port", "p", 0, "override server port")
	cmd.Flags().BoolVar(&o.Mock, "mock", false, "serve synthetic scans without a database")
}

func (o *ServeOptions) apply(cfg *config.Config) {
	if o.Port > 0 {
		cfg.Server.Port = o.Port
	}
	if o.Mock {
		cfg.Mock.Enabled = true
	}
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Long: `Run the REST API and the /watch WebSocket endpoint.

The server listens for database change notifications and relays them to the
affected users' sessions until interrupted. With --mock it needs no database
and generates scans for the configured mock users instead.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts, opts)
		},
	}
	opts.bind(cmd)

	return cmd
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions, opts *ServeOptions) error {
	cfg, err := loadConfig(cmd, rootOpts)
	if err != nil {
		return errors.Trace(err)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(a.Run(ctx))
}
