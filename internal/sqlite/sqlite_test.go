package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_FileDatabaseUsesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.sqlite")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpenReader_ReadsWhileWriterHoldsTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.sqlite")
	writer, err := Open(path)
	require.NoError(t, err)
	defer writer.Close()

	_, err = writer.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = writer.Exec(`INSERT INTO notes (body) VALUES ('first')`)
	require.NoError(t, err)

	reader, err := OpenReader(path, 2)
	require.NoError(t, err)
	defer reader.Close()

	tx, err := writer.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Exec(`UPDATE notes SET body = 'uncommitted'`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var body string
	require.NoError(t, reader.QueryRowContext(ctx, `SELECT body FROM notes WHERE id = 1`).Scan(&body))
	assert.Equal(t, "first", body)

	_, err = reader.ExecContext(ctx, `INSERT INTO notes (body) VALUES ('nope')`)
	assert.Error(t, err, "reader pool must be query-only")
}

func TestOpenReader_RejectsMemory(t *testing.T) {
	_, err := OpenReader(MemoryPath, 0)
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	migrations := []Migration{
		{Version: 1, Description: "create t", SQL: `CREATE TABLE t (id INTEGER PRIMARY KEY)`},
		{Version: 2, Description: "add name", SQL: `ALTER TABLE t ADD COLUMN name TEXT`},
	}

	require.NoError(t, Migrate(ctx, db, "test", migrations, zerolog.Nop()))
	require.NoError(t, Migrate(ctx, db, "test", migrations, zerolog.Nop()))

	version, err := CurrentVersion(ctx, db, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	other, err := CurrentVersion(ctx, db, "other")
	require.NoError(t, err)
	assert.Equal(t, 0, other)

	_, err = db.Exec(`INSERT INTO t (name) VALUES ('x')`)
	assert.NoError(t, err)
}

func TestMigrate_FailureIsAtomic(t *testing.T) {
	db, err := Open(MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = Migrate(ctx, db, "broken", []Migration{
		{Version: 1, Description: "ok", SQL: `CREATE TABLE ok (id INTEGER)`},
		{Version: 2, Description: "bad", SQL: `CREATE TABLE nope (`},
	}, zerolog.Nop())
	require.Error(t, err)

	version, err := CurrentVersion(ctx, db, "broken")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestUnixRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 30, 0, 250_000_000, time.UTC)
	got := FromUnix(ToUnix(now))
	assert.WithinDuration(t, now, got, time.Millisecond)

	assert.Nil(t, TimePtr(NullUnix(nil)))
	ptr := TimePtr(NullUnix(&now))
	require.NotNil(t, ptr)
	assert.WithinDuration(t, now, *ptr, time.Millisecond)

	assert.False(t, NullString("").Valid)
	assert.True(t, NullString("x").Valid)
}
