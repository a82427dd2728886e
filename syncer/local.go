package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow/internal/sqlite"
)

const migrationComponent = "mirror"

var migrations = []sqlite.Migration{
	{
		Version:     1,
		Description: "create memos, sync_audit and sync_metadata",
		SQL: `
CREATE TABLE IF NOT EXISTS memos (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	transcript    TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	dictation_id  INTEGER,
	created_at    INTEGER NOT NULL,
	last_modified INTEGER NOT NULL,
	dirty         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_memos_dirty ON memos(dirty);

CREATE TABLE IF NOT EXISTS sync_audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	direction   TEXT NOT NULL CHECK (direction IN ('primary_to_mirror', 'mirror_to_primary')),
	action      TEXT NOT NULL CHECK (action IN ('create', 'update', 'skip')),
	rule        TEXT NOT NULL,
	timestamp   REAL NOT NULL,
	detail      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_audit_entity ON sync_audit(entity_id, id);

CREATE TABLE IF NOT EXISTS sync_metadata (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	last_sync   REAL,
	next_sync   REAL,
	in_progress INTEGER NOT NULL DEFAULT 0,
	token       TEXT NOT NULL DEFAULT ''
);

INSERT OR IGNORE INTO sync_metadata (id) VALUES (1);
`,
	},
}

// LocalStore is the SQLite mirror: memos, the audit log and the sync
// metadata row. Memo timestamps are stored as integer unix nanoseconds so
// that equal modification times stay equal after a round trip.
type LocalStore struct {
	db     *sql.DB
	ownsDB bool
	now    func() time.Time
	logger zerolog.Logger
}

// LocalOption configures a LocalStore
type LocalOption func(*LocalStore)

// WithLocalLogger sets the mirror logger
func WithLocalLogger(logger zerolog.Logger) LocalOption {
	return func(s *LocalStore) {
		s.logger = logger
	}
}

// WithLocalClock overrides the clock used for local edits
func WithLocalClock(now func() time.Time) LocalOption {
	return func(s *LocalStore) {
		s.now = now
	}
}

// NewLocalStore migrates db and returns a mirror on it. The caller keeps
// ownership of db.
func NewLocalStore(ctx context.Context, db *sql.DB, opts ...LocalOption) (*LocalStore, error) {
	s := &LocalStore{db: db, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := sqlite.Migrate(ctx, db, migrationComponent, migrations, s.logger); err != nil {
		return nil, fmt.Errorf("failed to migrate mirror store: %w", err)
	}
	return s, nil
}

// OpenLocalStore opens the mirror database at path
func OpenLocalStore(ctx context.Context, path string, opts ...LocalOption) (*LocalStore, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewLocalStore(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Close releases the database if the store opened it
func (s *LocalStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

const memoColumns = `id, title, transcript, notes, dictation_id, created_at, last_modified, dirty`

type scanner interface {
	Scan(dest ...any) error
}

func scanMemo(row scanner) (*Memo, bool, error) {
	var (
		m            Memo
		dictationID  sql.NullInt64
		createdAt    int64
		lastModified int64
		dirty        bool
	)
	if err := row.Scan(&m.ID, &m.Title, &m.Transcript, &m.Notes, &dictationID, &createdAt, &lastModified, &dirty); err != nil {
		return nil, false, err
	}
	m.DictationID = dictationID.Int64
	m.CreatedAt = time.Unix(0, createdAt)
	m.LastModified = time.Unix(0, lastModified)
	return &m, dirty, nil
}

// GetMemo returns a mirrored memo
func (s *LocalStore) GetMemo(ctx context.Context, id string) (*Memo, error) {
	m, _, err := s.getMemo(ctx, s.db, id)
	return m, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *LocalStore) getMemo(ctx context.Context, q querier, id string) (*Memo, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+memoColumns+` FROM memos WHERE id = ?`, id)
	m, dirty, err := scanMemo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("memo %s: %w", id, ErrMemoNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get memo: %w", err)
	}
	return m, dirty, nil
}

// ListMemos returns every mirrored memo, most recently modified first
func (s *LocalStore) ListMemos(ctx context.Context) ([]*Memo, error) {
	return s.listMemos(ctx, `SELECT `+memoColumns+` FROM memos ORDER BY last_modified DESC, id`)
}

// DirtyMemos returns memos edited locally since their last sync
func (s *LocalStore) DirtyMemos(ctx context.Context) ([]*Memo, error) {
	return s.listMemos(ctx, `SELECT `+memoColumns+` FROM memos WHERE dirty = 1 ORDER BY last_modified, id`)
}

func (s *LocalStore) listMemos(ctx context.Context, query string) ([]*Memo, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list memos: %w", err)
	}
	defer rows.Close()

	var memos []*Memo
	for rows.Next() {
		m, _, err := scanMemo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memo: %w", err)
		}
		memos = append(memos, m)
	}
	return memos, rows.Err()
}

// SaveLocal records a local edit. LastModified is stamped with the local
// clock and the memo is marked dirty until the next pass pushes it.
func (s *LocalStore) SaveLocal(ctx context.Context, memo *Memo) error {
	if memo.ID == "" {
		return errors.New("memo id is required")
	}
	now := s.now().Round(0)
	if memo.CreatedAt.IsZero() {
		memo.CreatedAt = now
	}
	memo.LastModified = now
	return s.upsert(ctx, s.db, memo, true)
}

func (s *LocalStore) upsert(ctx context.Context, q querier, m *Memo, dirty bool) error {
	var dictationID sql.NullInt64
	if m.DictationID != 0 {
		dictationID = sql.NullInt64{Int64: m.DictationID, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO memos (`+memoColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			transcript = excluded.transcript,
			notes = excluded.notes,
			dictation_id = excluded.dictation_id,
			created_at = excluded.created_at,
			last_modified = excluded.last_modified,
			dirty = excluded.dirty`,
		m.ID, m.Title, m.Transcript, m.Notes, dictationID,
		m.CreatedAt.UnixNano(), m.LastModified.UnixNano(), dirty,
	)
	if err != nil {
		return fmt.Errorf("failed to write memo %s: %w", m.ID, err)
	}
	return nil
}

// applyPrimary writes the primary's copy into the mirror and records the
// decision, atomically
func (s *LocalStore) applyPrimary(ctx context.Context, memo *Memo, entry AuditEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.upsert(ctx, tx, memo, false); err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, entry)
	})
}

// markPushed clears the dirty flag after the mirror's copy reached the
// primary and records the decision. A memo edited again in the meantime
// stays dirty.
func (s *LocalStore) markPushed(ctx context.Context, memo *Memo, entry AuditEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memos SET dirty = 0 WHERE id = ? AND last_modified = ?`,
			memo.ID, memo.LastModified.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to clear dirty flag of memo %s: %w", memo.ID, err)
		}
		return s.appendAudit(ctx, tx, entry)
	})
}

// AppendAudit records one decision
func (s *LocalStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	return s.appendAudit(ctx, s.db, entry)
}

func (s *LocalStore) appendAudit(ctx context.Context, q querier, e AuditEntry) error {
	if e.EntityType == "" {
		e.EntityType = EntityMemo
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_audit (entity_id, entity_type, direction, action, rule, timestamp, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EntityID, e.EntityType, string(e.Direction), string(e.Action), string(e.Rule),
		sqlite.ToUnix(e.Timestamp), e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditLog returns audit entries newest first. An empty entityID returns
// entries for every entity; limit <= 0 means no limit.
func (s *LocalStore) AuditLog(ctx context.Context, entityID string, limit int) ([]AuditEntry, error) {
	query := `SELECT id, entity_id, entity_type, direction, action, rule, timestamp, detail FROM sync_audit`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e                       AuditEntry
			direction, action, rule string
			ts                      float64
		)
		if err := rows.Scan(&e.ID, &e.EntityID, &e.EntityType, &direction, &action, &rule, &ts, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Direction = Direction(direction)
		e.Action = Action(action)
		e.Rule = Rule(rule)
		e.Timestamp = sqlite.FromUnix(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Metadata reads the sync metadata row
func (s *LocalStore) Metadata(ctx context.Context) (*Metadata, error) {
	var (
		md       Metadata
		last     sql.NullFloat64
		next     sql.NullFloat64
		progress bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync, next_sync, in_progress, token FROM sync_metadata WHERE id = 1`,
	).Scan(&last, &next, &progress, &md.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync metadata: %w", err)
	}
	md.LastSync = sqlite.TimePtr(last)
	md.NextSync = sqlite.TimePtr(next)
	md.InProgress = progress
	return &md, nil
}

// beginSync sets in_progress if it was clear. It reports whether this
// caller now owns the pass.
func (s *LocalStore) beginSync(ctx context.Context) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_metadata SET in_progress = 1 WHERE id = 1 AND in_progress = 0`)
	if err != nil {
		return false, fmt.Errorf("failed to claim sync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// finishSync advances the token and schedule and clears in_progress in one
// write
func (s *LocalStore) finishSync(ctx context.Context, token string, last, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_metadata SET token = ?, last_sync = ?, next_sync = ?, in_progress = 0 WHERE id = 1`,
		token, sqlite.ToUnix(last), sqlite.ToUnix(next),
	)
	if err != nil {
		return fmt.Errorf("failed to record sync completion: %w", err)
	}
	return nil
}

// abortSync clears in_progress and leaves everything else untouched
func (s *LocalStore) abortSync(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_metadata SET in_progress = 0 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to release sync: %w", err)
	}
	return nil
}

// ResetSync clears a stale in_progress flag left by a crashed pass. Only
// the sync owner may call it, at startup.
func (s *LocalStore) ResetSync(ctx context.Context) error {
	return s.abortSync(ctx)
}

func (s *LocalStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
