package cli

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
)

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create or update the tables and notification triggers",
		Long: `Create the scan and session tables and (re)install the notification
triggers for the configured channel. Safe to run repeatedly; serve does the
same on startup.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return errors.Trace(err)
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return errors.Trace(err)
			}
			defer db.Close()

			if err := db.EnsureSchema(cmd.Context()); err != nil {
				return errors.Trace(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready, notifying on channel %q\n", cfg.Listener.Channel)
			return nil
		},
	}
}
