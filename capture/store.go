package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow/internal/sqlite"
)

const migrationComponent = "dictations"

var migrations = []sqlite.Migration{
	{
		Version:     1,
		Description: "create dictations",
		SQL: `
CREATE TABLE IF NOT EXISTS dictations (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at              REAL NOT NULL,
	text                    TEXT NOT NULL DEFAULT '',
	mode                    TEXT NOT NULL DEFAULT '',
	app_bundle_id           TEXT,
	app_name                TEXT,
	window_title            TEXT,
	duration_seconds        REAL NOT NULL DEFAULT 0,
	word_count              INTEGER NOT NULL DEFAULT 0,
	audio_ref               TEXT,
	transcription_status    TEXT NOT NULL DEFAULT 'pending'
		CHECK (transcription_status IN ('pending', 'failed', 'success')),
	transcription_error     TEXT,
	transcription_model     TEXT,
	promotion_status        TEXT NOT NULL DEFAULT 'none'
		CHECK (promotion_status IN ('none', 'memo', 'command', 'ignored')),
	promotion_ref           TEXT,
	created_in_capture_view INTEGER NOT NULL DEFAULT 0,
	paste_timestamp         REAL
);

CREATE INDEX IF NOT EXISTS idx_dictations_retry ON dictations(transcription_status, audio_ref);
CREATE INDEX IF NOT EXISTS idx_dictations_queue ON dictations(created_in_capture_view, promotion_status, paste_timestamp);
`,
	},
}

// Store persists dictations. Writers in other processes may share the file.
type Store struct {
	db         *sql.DB
	ownsDB     bool
	audioCheck bool
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithAudioCheck drops records whose audio file no longer exists from the
// retry queue
func WithAudioCheck(enabled bool) Option {
	return func(s *Store) {
		s.audioCheck = enabled
	}
}

// WithClock overrides the clock used for creation times
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore migrates db and returns a store on it. The caller keeps
// ownership of db.
func NewStore(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := sqlite.Migrate(ctx, db, migrationComponent, migrations, s.logger); err != nil {
		return nil, fmt.Errorf("failed to migrate capture store: %w", err)
	}
	return s, nil
}

// Open opens the capture database at path
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewStore(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Close releases the database if the store opened it
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

const columns = `id, created_at, text, mode, app_bundle_id, app_name, window_title, duration_seconds,
	word_count, audio_ref, transcription_status, transcription_error, transcription_model,
	promotion_status, promotion_ref, created_in_capture_view, paste_timestamp`

type scanner interface {
	Scan(dest ...any) error
}

func scanDictation(row scanner) (*Dictation, error) {
	var (
		d                                   Dictation
		createdAt                           float64
		bundleID, appName, windowTitle      sql.NullString
		audioRef, txError, txModel, promRef sql.NullString
		txStatus, promStatus                string
		pasted                              sql.NullFloat64
	)
	err := row.Scan(
		&d.ID, &createdAt, &d.Text, &d.Mode, &bundleID, &appName, &windowTitle, &d.Duration,
		&d.WordCount, &audioRef, &txStatus, &txError, &txModel,
		&promStatus, &promRef, &d.CreatedInCaptureView, &pasted,
	)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = sqlite.FromUnix(createdAt)
	d.App = AppContext{BundleID: bundleID.String, AppName: appName.String, WindowTitle: windowTitle.String}
	d.AudioRef = audioRef.String
	d.TranscriptionStatus = TranscriptionStatus(txStatus)
	d.TranscriptionError = txError.String
	d.TranscriptionModel = txModel.String
	d.PromotionStatus = PromotionStatus(promStatus)
	d.PromotionRef = promRef.String
	d.PasteTimestamp = sqlite.TimePtr(pasted)
	return &d, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Dictation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dictations: %w", err)
	}
	defer rows.Close()

	var out []*Dictation
	for rows.Next() {
		d, err := scanDictation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dictation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Create inserts a new record with promotion none. Transcription starts
// pending, unless the capture already carries its text: then it is recorded
// as success and the record never enters the retry queue. The assigned id is
// written back to d.
func (s *Store) Create(ctx context.Context, d *Dictation) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	d.TranscriptionStatus = TranscriptionPending
	d.TranscriptionError = ""
	d.PromotionStatus = PromotionNone
	d.PromotionRef = ""
	if d.Text != "" {
		d.TranscriptionStatus = TranscriptionSuccess
		d.WordCount = wordCount(d.Text)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dictations (created_at, text, mode, app_bundle_id, app_name, window_title,
			duration_seconds, word_count, audio_ref, transcription_status, transcription_model, promotion_status,
			created_in_capture_view, paste_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sqlite.ToUnix(d.CreatedAt), d.Text, d.Mode,
		sqlite.NullString(d.App.BundleID), sqlite.NullString(d.App.AppName), sqlite.NullString(d.App.WindowTitle),
		d.Duration, d.WordCount, sqlite.NullString(d.AudioRef),
		string(d.TranscriptionStatus), sqlite.NullString(d.TranscriptionModel), string(d.PromotionStatus),
		d.CreatedInCaptureView, sqlite.NullUnix(d.PasteTimestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create dictation: %w", err)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read dictation id: %w", err)
	}

	s.logger.Debug().Int64("dictation_id", d.ID).Msg("Dictation created")
	return nil
}

// Get returns one record
func (s *Store) Get(ctx context.Context, id int64) (*Dictation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM dictations WHERE id = ?`, id)
	d, err := scanDictation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dictation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dictation: %w", err)
	}
	return d, nil
}

// ListSince returns records with id > afterID in id order. limit <= 0 means
// no limit.
func (s *Store) ListSince(ctx context.Context, afterID int64, limit int) ([]*Dictation, error) {
	query := `SELECT ` + columns + ` FROM dictations WHERE id > ? ORDER BY id`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// Follow polls for records created after afterID and delivers them in id
// order until ctx is done. The channel is closed on return.
func (s *Store) Follow(ctx context.Context, afterID int64, interval time.Duration) <-chan *Dictation {
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan *Dictation)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := afterID
		for {
			batch, err := s.ListSince(ctx, last, 100)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Int64("after_id", last).Msg("Failed to poll dictations")
			}
			for _, d := range batch {
				select {
				case out <- d:
					last = d.ID
				case <-ctx.Done():
					return
				}
			}
			if len(batch) == 100 {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

// exec runs an update of one record and maps "no row" to ErrNotFound
func (s *Store) exec(ctx context.Context, id int64, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("dictation %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkTranscriptionSuccess stores the transcript. The word count is derived
// from text and any previous error is cleared.
func (s *Store) MarkTranscriptionSuccess(ctx context.Context, id int64, text, model string) error {
	return s.exec(ctx, id, "mark transcription success", `
		UPDATE dictations
		SET text = ?, word_count = ?, transcription_model = ?, transcription_status = 'success', transcription_error = NULL
		WHERE id = ?`,
		text, wordCount(text), sqlite.NullString(model), id,
	)
}

// MarkTranscriptionFailed records a failed attempt; the record stays retry
// eligible while its audio exists. A record that already succeeded is left
// untouched.
func (s *Store) MarkTranscriptionFailed(ctx context.Context, id int64, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dictations SET transcription_status = 'failed', transcription_error = ?
		WHERE id = ? AND transcription_status != 'success'`,
		msg, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark transcription failed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("dictation %d: %w", id, ErrAlreadyTranscribed)
}

// ClearAudio drops the audio reference, which also removes the record from
// the retry queue
func (s *Store) ClearAudio(ctx context.Context, id int64) error {
	return s.exec(ctx, id, "clear audio", `UPDATE dictations SET audio_ref = NULL WHERE id = ?`, id)
}

// RetryQueue returns every record whose transcription may be retried, oldest
// first. It is recomputed on each call.
func (s *Store) RetryQueue(ctx context.Context) ([]*Dictation, error) {
	records, err := s.query(ctx, `
		SELECT `+columns+` FROM dictations
		WHERE transcription_status IN ('failed', 'pending') AND audio_ref IS NOT NULL AND audio_ref != ''
		ORDER BY id`)
	if err != nil || !s.audioCheck {
		return records, err
	}

	kept := records[:0]
	for _, d := range records {
		if _, err := os.Stat(d.AudioRef); err == nil {
			kept = append(kept, d)
		}
	}
	return kept, nil
}

// Queue returns records captured in the foreground view that were neither
// pasted nor promoted, oldest first
func (s *Store) Queue(ctx context.Context) ([]*Dictation, error) {
	return s.query(ctx, `
		SELECT `+columns+` FROM dictations
		WHERE created_in_capture_view = 1 AND promotion_status = 'none' AND paste_timestamp IS NULL
		ORDER BY id`)
}

// MarkPasted records when the text was pasted, removing it from the queue
func (s *Store) MarkPasted(ctx context.Context, id int64, at time.Time) error {
	return s.exec(ctx, id, "mark pasted", `UPDATE dictations SET paste_timestamp = ? WHERE id = ?`, sqlite.ToUnix(at), id)
}

// Promote moves a record out of `none`. Promoting a record that was already
// promoted returns ErrAlreadyPromoted and leaves its reference untouched.
func (s *Store) Promote(ctx context.Context, id int64, status PromotionStatus, ref string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid promotion status '%s'", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE dictations SET promotion_status = ?, promotion_ref = ? WHERE id = ? AND promotion_status = 'none'`,
		string(status), sqlite.NullString(ref), id,
	)
	if err != nil {
		return fmt.Errorf("failed to promote dictation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		s.logger.Info().
			Int64("dictation_id", id).
			Str("promotion_status", string(status)).
			Str("promotion_ref", ref).
			Msg("Dictation promoted")
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("dictation %d is already %s: %w", id, current.PromotionStatus, ErrAlreadyPromoted)
}

// SetPromotionRef updates the reference of a record that already left
// `none`, for promotions whose target id is only known after the claim
func (s *Store) SetPromotionRef(ctx context.Context, id int64, ref string) error {
	return s.exec(ctx, id, "set promotion ref",
		`UPDATE dictations SET promotion_ref = ? WHERE id = ? AND promotion_status != 'none'`,
		sqlite.NullString(ref), id)
}

// ResetPromotion returns a record to `none` and drops its reference
func (s *Store) ResetPromotion(ctx context.Context, id int64) error {
	return s.exec(ctx, id, "reset promotion",
		`UPDATE dictations SET promotion_status = 'none', promotion_ref = NULL WHERE id = ?`, id)
}

// Delete removes a record
func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.exec(ctx, id, "delete dictation", `DELETE FROM dictations WHERE id = ?`, id)
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
