// Package sqlite opens the embedded SQLite databases shared by the run store,
// the capture store, the sync mirror and the live-state bus, and applies
// their versioned migrations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// Open creates or opens a SQLite database at the given path.
//
// Every connection is configured with:
//   - WAL mode so readers in other processes are not blocked by the writer
//   - 5-second busy timeout for lock contention between processes
//   - Foreign key enforcement
//   - IMMEDIATE transactions so write transactions take the lock up front
//
// The pool is limited to one connection: SQLite serializes writers per file
// anyway, and a single connection keeps in-memory databases coherent. Use
// OpenReader for a pool that reads alongside it.
func Open(path string) (*sql.DB, error) {
	dsn, err := fileDSN(path)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(1)")
	if path != MemoryPath {
		params.Add("_pragma", "journal_mode(WAL)")
		params.Add("_pragma", "synchronous(NORMAL)")
	}
	params.Set("_txlock", "immediate")

	db, err := connect(dsn, params)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// DefaultReaderConns bounds the read pool returned by OpenReader
const DefaultReaderConns = 4

// OpenReader opens a query-only pool on a file database that a writer from
// Open has already put in WAL mode. Reads on it proceed while the writer holds
// a transaction. In-memory databases are private to one connection and have
// no reader.
func OpenReader(path string, maxConns int) (*sql.DB, error) {
	if path == MemoryPath {
		return nil, fmt.Errorf("in-memory databases cannot be shared with a reader")
	}
	dsn, err := fileDSN(path)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = DefaultReaderConns
	}

	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "query_only(1)")

	db, err := connect(dsn, params)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	return db, nil
}

func fileDSN(path string) (string, error) {
	if path == MemoryPath {
		return path, nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return "file:" + path, nil
}

func connect(dsn string, params url.Values) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite", dsn+sep+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Migration is one forward-only schema step
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrate applies every migration of component newer than the recorded
// version. Each migration runs in its own transaction together with its
// bookkeeping row, so a crash never leaves a half-applied version.
func Migrate(ctx context.Context, db *sql.DB, component string, migrations []Migration, logger zerolog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			component TEXT NOT NULL,
			version INTEGER NOT NULL,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (component, version)
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	current, err := CurrentVersion(ctx, db, component)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate %s to v%d: begin tx: %w", component, m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate %s to v%d: %w", component, m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (component, version, description) VALUES (?, ?, ?)`,
			component, m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate %s to v%d: record version: %w", component, m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate %s to v%d: commit: %w", component, m.Version, err)
		}

		logger.Info().
			Str("component", component).
			Int("version", m.Version).
			Str("description", m.Description).
			Msg("Applied schema migration")
	}

	return nil
}

// CurrentVersion returns the highest applied migration for component
func CurrentVersion(ctx context.Context, db *sql.DB, component string) (int, error) {
	var version int
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE component = ?`,
		component,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current schema version: %w", err)
	}
	return version, nil
}
