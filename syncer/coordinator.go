package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	EventSyncStarted   = "sync_started"
	EventSyncCompleted = "sync_completed"
	EventSyncFailed    = "sync_failed"
	EventSyncDecision  = "sync_decision"
)

// Coordinator runs reconciliation passes between a PrimaryStore and the
// local mirror. Only one process may own a given mirror; within that
// process passes are single-flight through the metadata row.
type Coordinator struct {
	local       *LocalStore
	primary     PrimaryStore
	minInterval time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithMinInterval sets the minimum time between unforced passes
func WithMinInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.minInterval = d
	}
}

// WithClock overrides the coordinator clock
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the coordinator logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a coordinator for one mirror
func NewCoordinator(local *LocalStore, primary PrimaryStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		local:       local,
		primary:     primary,
		minInterval: DefaultMinInterval,
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.minInterval <= 0 {
		c.minInterval = DefaultMinInterval
	}
	return c
}

// Report summarizes one pass
type Report struct {
	Fetched  int           `json:"fetched"`
	Pushed   int           `json:"pushed"`
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Token    string        `json:"token"`
	Duration time.Duration `json:"duration"`
}

// Sync runs one pass. A pass already in progress is rejected, never
// queued. Unless force is set, a pass inside the minimum interval is
// rejected with ErrSyncThrottled. The continuation token only advances when
// the whole pass succeeded; on failure only the in-progress flag is cleared.
func (c *Coordinator) Sync(ctx context.Context, force bool) (*Report, error) {
	md, err := c.local.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if md.InProgress {
		return nil, ErrSyncInProgress
	}

	start := c.now()
	if !force && !md.ShouldSync(start, c.minInterval) {
		return nil, fmt.Errorf("last pass at %s, next allowed at %s: %w",
			md.LastSync.Format(time.RFC3339), md.LastSync.Add(c.minInterval).Format(time.RFC3339), ErrSyncThrottled)
	}

	claimed, err := c.local.beginSync(ctx)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrSyncInProgress
	}

	c.logger.Info().
		Str("event", EventSyncStarted).
		Bool("force", force).
		Str("token", md.Token).
		Msg("Sync pass started")

	report, err := c.pass(ctx, md.Token)
	if err != nil {
		if aerr := c.local.abortSync(context.WithoutCancel(ctx)); aerr != nil {
			c.logger.Error().Err(aerr).Msg("Failed to release sync flag")
		}
		c.logger.Error().
			Str("event", EventSyncFailed).
			Err(err).
			Msg("Sync pass failed")
		return nil, err
	}

	finished := c.now()
	if err := c.local.finishSync(ctx, report.Token, finished, finished.Add(c.minInterval)); err != nil {
		if aerr := c.local.abortSync(context.WithoutCancel(ctx)); aerr != nil {
			c.logger.Error().Err(aerr).Msg("Failed to release sync flag")
		}
		return nil, err
	}
	report.Duration = finished.Sub(start)

	c.logger.Info().
		Str("event", EventSyncCompleted).
		Int("fetched", report.Fetched).
		Int("pushed", report.Pushed).
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("skipped", report.Skipped).
		Dur("duration", report.Duration).
		Msg("Sync pass completed")

	return report, nil
}

// pass reconciles the primary change feed, then pushes local edits the feed
// did not mention
func (c *Coordinator) pass(ctx context.Context, token string) (*Report, error) {
	changes, next, err := c.primary.FetchChanges(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch primary changes: %w", err)
	}
	report := &Report{Fetched: len(changes), Token: next}

	seen := make(map[string]bool, len(changes))
	for i := range changes {
		remote := &changes[i]
		seen[remote.ID] = true

		mirror, dirty, err := c.local.getMemo(ctx, c.local.db, remote.ID)
		if err != nil && !errors.Is(err, ErrMemoNotFound) {
			return nil, err
		}
		if err := c.reconcile(ctx, remote, mirror, dirty, report); err != nil {
			return nil, err
		}
	}

	local, err := c.local.DirtyMemos(ctx)
	if err != nil {
		return nil, err
	}
	for _, mirror := range local {
		if seen[mirror.ID] {
			continue
		}
		remote, err := c.primary.Get(ctx, mirror.ID)
		if errors.Is(err, ErrMemoNotFound) {
			remote, err = nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read primary copy of memo %s: %w", mirror.ID, err)
		}
		if err := c.reconcile(ctx, remote, mirror, true, report); err != nil {
			return nil, err
		}
	}

	return report, nil
}

// reconcile applies last-writer-wins to one entity and audits the decision
func (c *Coordinator) reconcile(ctx context.Context, remote, mirror *Memo, dirty bool, report *Report) error {
	rule, action, direction := decide(remote, mirror)
	entry := AuditEntry{
		EntityType: EntityMemo,
		Direction:  direction,
		Action:     action,
		Rule:       rule,
		Timestamp:  c.now(),
		Detail:     detail(remote, mirror),
	}

	var err error
	switch {
	case action == ActionSkip:
		entry.EntityID = remote.ID
		if dirty {
			// identical edit on both sides; nothing left to push
			err = c.local.markPushed(ctx, mirror, entry)
		} else {
			err = c.local.AppendAudit(ctx, entry)
		}
		report.Skipped++

	case direction == PrimaryToMirror:
		entry.EntityID = remote.ID
		err = c.local.applyPrimary(ctx, remote, entry)

	default:
		entry.EntityID = mirror.ID
		if err = c.primary.Put(ctx, *mirror); err != nil {
			return fmt.Errorf("failed to push memo %s: %w", mirror.ID, err)
		}
		err = c.local.markPushed(ctx, mirror, entry)
		report.Pushed++
	}
	if err != nil {
		return err
	}

	switch action {
	case ActionCreate:
		report.Created++
	case ActionUpdate:
		report.Updated++
	}

	c.logger.Debug().
		Str("event", EventSyncDecision).
		Str("entity_id", entry.EntityID).
		Str("direction", string(direction)).
		Str("action", string(action)).
		Str("rule", string(rule)).
		Msg("Reconciled memo")
	return nil
}

func detail(remote, mirror *Memo) string {
	stamp := func(m *Memo) string {
		if m == nil {
			return "absent"
		}
		return m.LastModified.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("primary=%s mirror=%s", stamp(remote), stamp(mirror))
}

// Status returns the sync metadata row
func (c *Coordinator) Status(ctx context.Context) (*Metadata, error) {
	return c.local.Metadata(ctx)
}

// AuditLog returns the newest audit entries, optionally for one entity
func (c *Coordinator) AuditLog(ctx context.Context, entityID string, limit int) ([]AuditEntry, error) {
	return c.local.AuditLog(ctx, entityID, limit)
}
