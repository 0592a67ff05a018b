package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesFileAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kbuilder.db")
	db, err := Open(context.Background(), Config{Path: path, BusyTimeout: time.Second})
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, path, db.Path())
	require.FileExists(t, path)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('tasks', 'events')`).Scan(&count))
	require.Equal(t, 2, count)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbuilder.db")
	for i := 0; i < 2; i++ {
		db, err := Open(context.Background(), Config{Path: path})
		require.NoError(t, err)
		require.NoError(t, db.Close())
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks (id, type, status, created_at) VALUES ('t1', 'reproduce', 'pending', '2026-01-01T00:00:00.000000000Z')`)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&count))
	require.Zero(t, count)
}

func TestTimeRoundTripSortsLexically(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC)
	late := time.Date(2026, 1, 1, 0, 0, 0, 500, time.UTC)
	require.Less(t, formatTime(early), formatTime(late))
	require.True(t, parseTime(formatTime(late)).Equal(late))
	require.True(t, parseTime("2026-01-01T00:00:00Z").Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.True(t, parseTime("garbage").IsZero())
}
