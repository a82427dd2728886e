package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/sicko7947/talkflow/syncer"
	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one memo sync pass",
		Long: `Reconcile the local memo mirror with the primary store.

A pass is skipped when the previous one finished less than sync.minInterval
ago, unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts.config, rootOpts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			report, err := a.coordinator.Sync(cmd.Context(), force)
			if errors.Is(err, syncer.ErrSyncThrottled) {
				fmt.Fprintln(out, "sync skipped: last pass is too recent (use --force)")
				return nil
			}
			if err != nil {
				return err
			}

			if rootOpts.Format == "json" {
				return writeJSON(out, report)
			}
			fmt.Fprintf(out, "fetched %d, pushed %d, created %d, updated %d, skipped %d in %s\n",
				report.Fetched, report.Pushed, report.Created, report.Updated, report.Skipped, report.Duration)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore the minimum interval")
	cmd.AddCommand(newSyncStatusCommand(rootOpts), newSyncAuditCommand(rootOpts))
	return cmd
}

func newSyncStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			meta, err := a.coordinator.Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), meta)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "in progress: %t\n", meta.InProgress)
			if meta.LastSync != nil {
				fmt.Fprintf(out, "last sync:   %s\n", meta.LastSync.Format("2006-01-02 15:04:05"))
			}
			if meta.NextSync != nil {
				fmt.Fprintf(out, "next sync:   %s\n", meta.NextSync.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newSyncAuditCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit [memo-id]",
		Short: "Show sync decisions, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			entityID := ""
			if len(args) == 1 {
				entityID = args[0]
			}
			entries, err := a.coordinator.AuditLog(cmd.Context(), entityID, limit)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tENTITY\tDIRECTION\tACTION\tRULE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.EntityID, e.Direction, e.Action, e.Rule)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}
