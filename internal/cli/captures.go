package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sicko7947/talkflow/capture"
	"github.com/spf13/cobra"
)

// NewCapturesCommand creates the captures command group
func NewCapturesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "captures",
		Short: "Inspect and promote dictations",
	}
	cmd.AddCommand(
		newCapturesListCommand(rootOpts, "retry-queue", "Dictations whose transcription can be retried", cobra.NoArgs,
			func(ctx context.Context, s *capture.Store, _ []string) ([]*capture.Dictation, error) {
				return s.RetryQueue(ctx)
			}),
		newCapturesListCommand(rootOpts, "queue", "Dictations waiting to be pasted or promoted", cobra.NoArgs,
			func(ctx context.Context, s *capture.Store, _ []string) ([]*capture.Dictation, error) {
				return s.Queue(ctx)
			}),
		newCapturesListCommand(rootOpts, "since [id]", "Dictations created after id", cobra.MaximumNArgs(1),
			func(ctx context.Context, s *capture.Store, args []string) ([]*capture.Dictation, error) {
				after, err := afterID(args)
				if err != nil {
					return nil, err
				}
				return s.ListSince(ctx, after, 0)
			}),
		newCapturesFollowCommand(rootOpts),
		newCapturesRetryCommand(rootOpts),
		newCapturesPromoteCommand(rootOpts),
	)
	return cmd
}

type listFunc func(ctx context.Context, s *capture.Store, args []string) ([]*capture.Dictation, error)

func afterID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, nil
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func openCaptures(cmd *cobra.Command, opts *RootOptions) (*capture.Store, error) {
	cfg := opts.config
	return capture.Open(cmd.Context(), cfg.Path(cfg.Database.Captures),
		capture.WithLogger(opts.logger),
		capture.WithAudioCheck(true),
	)
}

func newCapturesListCommand(opts *RootOptions, use, short string, args cobra.PositionalArgs, list listFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCaptures(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := list(cmd.Context(), store, args)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			writeDictations(cmd.OutOrStdout(), records)
			return nil
		},
	}
}

func newCapturesFollowCommand(opts *RootOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "follow [id]",
		Short: "Print new dictations as they are created",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			after, err := afterID(args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := openCaptures(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			for d := range store.Follow(ctx, after, interval) {
				if opts.Format == "json" {
					if err := writeJSON(out, d); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", d.ID, d.CreatedAt.Format(time.RFC3339), d.TranscriptionStatus, d.Text)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

func newCapturesRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Transcribe the retry queue again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.orch.RetryTranscriptions(cmd.Context(), a.transcriber)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, succeeded %d, failed %d\n", report.Attempted, report.Succeeded, report.Failed)
			return nil
		},
	}
}

func newCapturesPromoteCommand(opts *RootOptions) *cobra.Command {
	var (
		workflow string
		title    string
		vars     []string
	)

	cmd := &cobra.Command{
		Use:   "promote <id> command|memo|ignored",
		Short: "Promote a dictation to a workflow run, a memo, or ignore it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			target := capture.PromotionStatus(args[1])
			if !target.Valid() {
				return fmt.Errorf("invalid target %q: must be command, memo or ignored", args[1])
			}
			if target == capture.PromotionCommand && workflow == "" {
				return fmt.Errorf("--workflow is required for command")
			}
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), opts.config, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			switch target {
			case capture.PromotionCommand:
				runID, err := a.orch.RunCommand(cmd.Context(), id, workflow, variables)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "dictation %d started run %s\n", id, runID)
			case capture.PromotionMemo:
				memo, err := a.orch.SaveMemo(cmd.Context(), id, title)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "dictation %d saved as memo %s\n", id, memo.ID)
			default:
				if err := a.orch.Ignore(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(out, "dictation %d ignored\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow slug for command promotion")
	cmd.Flags().StringVar(&title, "title", "", "memo title (default: first words of the transcript)")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "extra variable as KEY=VALUE (repeatable)")
	return cmd
}
