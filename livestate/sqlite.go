package livestate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow/internal/sqlite"
)

var migrations = []sqlite.Migration{
	{
		Version:     1,
		Description: "create live_state",
		SQL: `
CREATE TABLE IF NOT EXISTS live_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	state      TEXT NOT NULL CHECK (state IN ('idle', 'listening', 'transcribing', 'routing')),
	updated_at REAL NOT NULL,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	transcript TEXT
);
`,
	},
}

// SQLiteBus shares the live state through a one-row table
type SQLiteBus struct {
	db         *sql.DB
	ownsDB     bool
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a SQLiteBus
type Option func(*SQLiteBus)

// WithStaleAfter makes Latest report idle when the row was not updated for d.
// Zero disables the check.
func WithStaleAfter(d time.Duration) Option {
	return func(b *SQLiteBus) {
		b.staleAfter = d
	}
}

// WithClock overrides the publish and staleness clock
func WithClock(now func() time.Time) Option {
	return func(b *SQLiteBus) {
		b.now = now
	}
}

// WithLogger sets the bus logger
func WithLogger(logger zerolog.Logger) Option {
	return func(b *SQLiteBus) {
		b.logger = logger
	}
}

// NewSQLiteBus migrates db and returns a bus on it
func NewSQLiteBus(ctx context.Context, db *sql.DB, opts ...Option) (*SQLiteBus, error) {
	b := &SQLiteBus{db: db, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	if err := sqlite.Migrate(ctx, db, "live_state", migrations, b.logger); err != nil {
		return nil, fmt.Errorf("failed to migrate live state: %w", err)
	}
	return b, nil
}

// OpenSQLiteBus opens the live-state database at path
func OpenSQLiteBus(ctx context.Context, path string, opts ...Option) (*SQLiteBus, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	b, err := NewSQLiteBus(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

// Close releases the database if the bus opened it
func (b *SQLiteBus) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

// Publish overwrites the row
func (b *SQLiteBus) Publish(ctx context.Context, state State) error {
	if err := validate(state); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = b.now()
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO live_state (id, state, updated_at, elapsed_ms, transcript)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at,
			elapsed_ms = excluded.elapsed_ms,
			transcript = excluded.transcript`,
		string(state.Status), sqlite.ToUnix(state.UpdatedAt), state.ElapsedMs, sqlite.NullString(state.Transcript),
	)
	if err != nil {
		return fmt.Errorf("failed to publish live state: %w", err)
	}

	b.logger.Debug().Str("state", string(state.Status)).Int64("elapsed_ms", state.ElapsedMs).Msg("Live state published")
	return nil
}

// Latest reads the row. An empty table or a stale row reads as idle.
func (b *SQLiteBus) Latest(ctx context.Context) (State, error) {
	var (
		status     string
		updatedAt  float64
		transcript sql.NullString
		state      State
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT state, updated_at, elapsed_ms, transcript FROM live_state WHERE id = 1`,
	).Scan(&status, &updatedAt, &state.ElapsedMs, &transcript)
	if errors.Is(err, sql.ErrNoRows) {
		return Idle(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read live state: %w", err)
	}

	state.Status = Status(status)
	state.UpdatedAt = sqlite.FromUnix(updatedAt)
	state.Transcript = transcript.String

	if b.staleAfter > 0 && b.now().Sub(state.UpdatedAt) > b.staleAfter {
		return State{Status: StatusIdle, UpdatedAt: state.UpdatedAt}, nil
	}
	return state, nil
}
