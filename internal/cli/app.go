package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow/backend"
	"github.com/sicko7947/talkflow/builder"
	"github.com/sicko7947/talkflow/capture"
	"github.com/sicko7947/talkflow/config"
	"github.com/sicko7947/talkflow/engine"
	"github.com/sicko7947/talkflow/livestate"
	"github.com/sicko7947/talkflow/orchestrator"
	"github.com/sicko7947/talkflow/store"
	"github.com/sicko7947/talkflow/syncer"
)

// app holds every component opened from the config
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	runs        *store.SQLiteStore
	captures    *capture.Store
	mirror      *syncer.LocalStore
	live        *livestate.SQLiteBus
	catalog     *builder.Catalog
	engine      *engine.Engine
	coordinator *syncer.Coordinator
	orch        *orchestrator.Orchestrator
	transcriber backend.Transcriber

	closers []func() error
}

func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if a.runs, err = store.OpenSQLiteStore(ctx, cfg.Path(cfg.Database.Runs), store.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	a.closers = append(a.closers, a.runs.Close)

	if a.captures, err = capture.Open(ctx, cfg.Path(cfg.Database.Captures), capture.WithLogger(logger), capture.WithAudioCheck(true)); err != nil {
		return nil, fmt.Errorf("open capture store: %w", err)
	}
	a.closers = append(a.closers, a.captures.Close)

	if a.mirror, err = syncer.OpenLocalStore(ctx, cfg.Path(cfg.Database.Mirror), syncer.WithLocalLogger(logger)); err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	a.closers = append(a.closers, a.mirror.Close)

	if a.live, err = livestate.OpenSQLiteBus(ctx, cfg.Path(cfg.Database.LiveState), livestate.WithLogger(logger), livestate.WithStaleAfter(30*time.Second)); err != nil {
		return nil, fmt.Errorf("open live state: %w", err)
	}
	a.closers = append(a.closers, a.live.Close)

	a.catalog = builder.NewCatalog(logger)
	if err = a.catalog.LoadDir(cfg.WorkflowsDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.Warn().Str("dir", cfg.WorkflowsDir).Msg("Workflows directory does not exist")
		err = nil
	}

	registry := backend.NewRegistry(backend.WithRegistryLogger(logger))
	if err = backend.RegisterBuiltins(registry, a.collaborators()); err != nil {
		return nil, err
	}
	if a.engine, err = engine.NewEngine(a.runs, registry,
		engine.WithLogger(logger),
		engine.WithConfig(cfg.EngineConfig()),
		engine.WithCatalog(a.catalog),
	); err != nil {
		return nil, err
	}

	primary, err := a.primary(ctx)
	if err != nil {
		return nil, err
	}
	a.coordinator = syncer.NewCoordinator(a.mirror, primary,
		syncer.WithMinInterval(cfg.Sync.MinInterval),
		syncer.WithLogger(logger),
	)

	a.orch = orchestrator.NewOrchestrator(a.engine, a.catalog, a.captures,
		orchestrator.WithMemos(a.mirror),
		orchestrator.WithLogger(logger),
	)
	return a, nil
}

func (a *app) collaborators() backend.Collaborators {
	exec := a.cfg.Executor()
	c := backend.Collaborators{
		Shell:         exec,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		FileWriteRoot: a.cfg.FileWriteRoot,
	}
	if a.cfg.OutboxPath != "" {
		c.Effector = backend.NewOutboxEffector(a.cfg.Path(a.cfg.OutboxPath))
	}
	if p := a.cfg.Providers.Generator; p.Command != "" {
		c.Generator = &backend.CommandGenerator{
			Executor: exec,
			Command:  p.Command,
			Args:     p.Args,
			Provider: p.Provider,
			Model:    p.Model,
		}
	}
	if p := a.cfg.Providers.Transcriber; p.Command != "" {
		a.transcriber = &backend.CommandTranscriber{
			Executor: exec,
			Command:  p.Command,
			Args:     p.Args,
			Model:    p.Model,
		}
		c.Transcriber = a.transcriber
	}
	return c
}

func (a *app) primary(ctx context.Context) (syncer.PrimaryStore, error) {
	switch a.cfg.Sync.Primary {
	case "dynamodb":
		client, err := syncer.NewDynamoDBClient(ctx, a.cfg.Sync.Region, a.cfg.Sync.Endpoint)
		if err != nil {
			return nil, err
		}
		return syncer.NewDynamoDBPrimary(client, a.cfg.Sync.Table), nil
	default:
		a.logger.Warn().Msg("Sync primary is in-memory; memos are not shared beyond this process")
		return syncer.NewMemoryPrimary(), nil
	}
}

// Close waits for background runs and releases every store
func (a *app) Close() error {
	if a.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.engine.Wait(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Background runs still active at shutdown")
		}
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
