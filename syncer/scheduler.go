package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs a pass every five minutes
const DefaultSchedule = "@every 5m"

// Scheduler runs unforced passes on a cron schedule. It belongs in the one
// process that owns the mirror.
type Scheduler struct {
	coordinator *Coordinator
	schedule    string
	timeout     time.Duration
	cron        *cron.Cron
	logger      zerolog.Logger
}

// NewScheduler validates schedule (standard 5-field cron or a descriptor
// such as "@every 5m")
func NewScheduler(coordinator *Coordinator, schedule string, logger zerolog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sync schedule: %w", err)
	}

	cronLogger := cronLog{logger: logger}
	return &Scheduler{
		coordinator: coordinator,
		schedule:    schedule,
		timeout:     5 * time.Minute,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger),
			cron.Recover(cronLogger),
		)),
		logger: logger,
	}, nil
}

// Start registers the pass and starts the cron loop
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("Sync scheduler started")
	return nil
}

// Stop stops scheduling and waits for a running pass, or for ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.coordinator.Sync(ctx, false)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncThrottled), errors.Is(err, ErrSyncInProgress):
		s.logger.Debug().Err(err).Msg("Scheduled sync skipped")
	default:
		s.logger.Error().Err(err).Msg("Scheduled sync failed")
	}
}

// cronLog adapts zerolog to cron.Logger
type cronLog struct {
	logger zerolog.Logger
}

func (l cronLog) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
