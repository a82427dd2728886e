package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/sicko7947/talkflow"
	"github.com/spf13/cobra"
)

// NewRunsCommand creates the runs command group
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow runs",
	}
	cmd.AddCommand(newRunsListCommand(rootOpts), newRunsShowCommand(rootOpts), newRunsCancelCommand(rootOpts))
	return cmd
}

func newRunsListCommand(opts *RootOptions) *cobra.Command {
	var (
		workflow string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := talkflow.RunFilter{WorkflowID: workflow, Limit: limit}
			if status != "" {
				st := talkflow.RunStatus(status)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				filter.Status = &st
			}

			a, err := openApp(cmd.Context(), opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.engine.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, runs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tTRIGGER\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.WorkflowID, r.Status, r.TriggerSource, r.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "filter by workflow slug")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newRunsShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.engine.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			steps, err := a.engine.ListSteps(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"run": run, "steps": steps})
			}
			writeRun(cmd.OutOrStdout(), run, steps)
			return nil
		},
	}
}

func newRunsCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}
