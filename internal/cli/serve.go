package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sicko7947/talkflow/api"
	"github.com/sicko7947/talkflow/syncer"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API. Runs left unfinished by a previous process are
failed first. When sync.owner is set, memo sync runs on the configured schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = rootOpts.config.HTTPAddr
			}
			return serve(cmd.Context(), rootOpts, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides httpAddr)")
	return cmd
}

func serve(ctx context.Context, opts *RootOptions, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := opts.logger
	a, err := openApp(ctx, opts.config, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	recovered, err := a.engine.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Warn().Int("runs", recovered).Msg("Interrupted runs marked failed")
	}

	if opts.config.Sync.Owner {
		if err := a.mirror.ResetSync(ctx); err != nil {
			return err
		}
		scheduler, err := syncer.NewScheduler(a.coordinator, opts.config.Sync.Schedule, logger)
		if err != nil {
			return err
		}
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := scheduler.Stop(stopCtx); err != nil {
				logger.Warn().Err(err).Msg("Sync scheduler did not stop cleanly")
			}
		}()
	}

	server := api.NewServer(a.engine, a.catalog,
		api.WithLogger(logger),
		api.WithCaptures(a.captures, a.orch),
		api.WithLiveState(a.live),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	logger.Info().Msg("Server stopped")
	return nil
}
