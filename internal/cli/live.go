package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/sicko7947/talkflow/livestate"
	"github.com/spf13/cobra"
)

// NewLiveCommand creates the live command
func NewLiveCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "live",
		Short: "Show the capture process live state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := rootOpts.config
			bus, err := livestate.OpenSQLiteBus(ctx, cfg.Path(cfg.Database.LiveState),
				livestate.WithLogger(rootOpts.logger),
				livestate.WithStaleAfter(30*time.Second),
			)
			if err != nil {
				return err
			}
			defer bus.Close()

			out := cmd.OutOrStdout()
			if !watch {
				state, err := bus.Latest(ctx)
				if err != nil {
					return err
				}
				return writeState(out, rootOpts.Format, state)
			}

			for state := range livestate.Watch(ctx, bus, interval) {
				if err := writeState(out, rootOpts.Format, state); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "print every change until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 250*time.Millisecond, "poll interval for --watch")
	return cmd
}

func writeState(w io.Writer, format string, state livestate.State) error {
	if format == "json" {
		return writeJSON(w, state)
	}
	line := fmt.Sprintf("%-12s %6.1fs", state.Status, float64(state.ElapsedMs)/1000)
	if state.Transcript != "" {
		line += "  " + state.Transcript
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
