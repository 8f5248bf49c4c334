package sqlite_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/aretw0/sheaf/pkg/adapters/sqlite"
	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_Contract(t *testing.T) {
	ports.RunDatabaseContract(t, open(t))
}

func TestDB_FileDatabase(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/sheaf.db"

	db, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "CREATE TABLE notes (id INTEGER PRIMARY KEY, text TEXT)")
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO notes (text) VALUES (?)", "kept")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, db.Close())

	db, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	tx, err = db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, "SELECT id, text FROM notes")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "kept", rows[0]["text"])
}

func TestTx_UniqueViolationIsConflict(t *testing.T) {
	ctx := context.Background()
	db := open(t)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "CREATE TABLE keys (k TEXT PRIMARY KEY)")
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO keys (k) VALUES (?)", "a")
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO keys (k) VALUES (?)", "a")

	e, ok := domain.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusConflict, e.Status)
	assert.Equal(t, domain.CodeConstraint, e.Code())
}

func TestTx_RollbackAfterCommitIsNoop(t *testing.T) {
	ctx := context.Background()
	db := open(t)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	nested, err := tx.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, nested.Commit(ctx))
	assert.NoError(t, nested.Rollback(ctx))
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, tx.Rollback(ctx))
}
