package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
)

// NewSessionsCommand groups the durable session table maintenance commands.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clean the durable session table",
	}
	cmd.AddCommand(newSessionsCountCommand(rootOpts))
	cmd.AddCommand(newSessionsPurgeCommand(rootOpts))
	return cmd
}

func newSessionsCountCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:           "count",
		Short:         "Count open sessions per user across all instances",
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

			counts, err := db.CountSessions(cmd.Context())
			if err != nil {
				return errors.Trace(err)
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(counts)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tSESSIONS")
			for _, c := range counts {
				fmt.Fprintf(w, "%s\t%d\n", c.Username, c.Sessions)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newSessionsPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var process string
	cmd := &cobra.Command{
		Use:   "purge --process <uuid>",
		Short: "Delete the session rows left behind by a dead instance",
		Long: `Delete every durable session row owned by one process instance.

A cleanly stopped instance removes its own rows. Use this after a crash, with
the process instance id reported by /status or the startup log.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(process)
			if err != nil {
				return errors.NotValidf("process instance id %q", process)
			}
			cfg, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return errors.Trace(err)
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return errors.Trace(err)
			}
			defer db.Close()

			n, err := db.DeleteSessionsForProcess(cmd.Context(), id)
			if err != nil {
				return errors.Trace(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d session(s) of process %s\n", n, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&process, "process", "", "process instance id")
	_ = cmd.MarkFlagRequired("process")
	return cmd
}
