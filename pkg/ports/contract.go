package ports

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunGateContract runs a suite of tests to verify that a Gate implementation
// adheres to the defined interface contract. The gate must be empty and have
// exactly capacity slots.
func RunGateContract(t *testing.T, gate Gate, capacity int) {
	require.GreaterOrEqual(t, capacity, 2, "contract needs a capacity of at least 2")
	ctx := context.Background()

	t.Run("Grant Within Capacity", func(t *testing.T) {
		token, err := gate.Acquire(ctx, capacity-1)
		require.NoError(t, err)
		assert.Equal(t, capacity-1, token.Granted)
		assert.NotEmpty(t, token.ID)
		require.NoError(t, gate.Release(ctx, token))
	})

	t.Run("Weight Below One", func(t *testing.T) {
		token, err := gate.Acquire(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, token.Granted)
		require.NoError(t, gate.Release(ctx, token))
	})

	t.Run("Partial Grant", func(t *testing.T) {
		first, err := gate.Acquire(ctx, capacity-1)
		require.NoError(t, err)

		second, err := gate.Acquire(ctx, capacity)
		require.NoError(t, err)
		assert.Equal(t, 1, second.Granted, "only the remaining slot should be granted")

		require.NoError(t, gate.Release(ctx, first))
		require.NoError(t, gate.Release(ctx, second))
	})

	t.Run("Blocks When Exhausted", func(t *testing.T) {
		all, err := gate.Acquire(ctx, capacity)
		require.NoError(t, err)
		require.Equal(t, capacity, all.Granted)

		short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()
		_, err = gate.Acquire(short, 1)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		granted := make(chan Token, 1)
		go func() {
			token, err := gate.Acquire(ctx, 1)
			if err == nil {
				granted <- token
			}
		}()

		require.NoError(t, gate.Release(ctx, all))

		select {
		case token := <-granted:
			assert.Equal(t, 1, token.Granted)
			require.NoError(t, gate.Release(ctx, token))
		case <-time.After(2 * time.Second):
			t.Fatal("waiting acquire was not granted after release")
		}
	})

	t.Run("Release Unknown Token", func(t *testing.T) {
		err := gate.Release(ctx, Token{ID: "never-granted", Granted: 1})
		assert.Error(t, err)
	})
}

// RunDatabaseContract verifies nested transactions and deferred constraints
// of a Database implementation. It creates and drops its own tables.
func RunDatabaseContract(t *testing.T, db Database) {
	ctx := context.Background()

	exec := func(t *testing.T, statements ...string) {
		t.Helper()
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		for _, stmt := range statements {
			_, err := tx.Exec(ctx, stmt)
			require.NoError(t, err, stmt)
		}
		require.NoError(t, tx.Commit(ctx))
	}

	count := func(t *testing.T, table string) int {
		t.Helper()
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		rows, err := tx.Query(ctx, "SELECT id FROM "+table)
		require.NoError(t, err)
		return len(rows)
	}

	exec(t,
		"DROP TABLE IF EXISTS contract_child",
		"DROP TABLE IF EXISTS contract_parent",
		"CREATE TABLE contract_parent (id TEXT PRIMARY KEY)",
		"CREATE TABLE contract_child (id TEXT PRIMARY KEY, parent TEXT NOT NULL REFERENCES contract_parent(id) DEFERRABLE INITIALLY IMMEDIATE)",
	)
	reset := func(t *testing.T) {
		exec(t, "DELETE FROM contract_child", "DELETE FROM contract_parent")
	}

	t.Run("Commit Persists", func(t *testing.T) {
		reset(t)
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		n, err := tx.Exec(ctx, "INSERT INTO contract_parent (id) VALUES (?)", "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		require.NoError(t, tx.Commit(ctx))
		assert.Equal(t, 1, count(t, "contract_parent"))
	})

	t.Run("Rollback Discards", func(t *testing.T) {
		reset(t)
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Exec(ctx, "INSERT INTO contract_parent (id) VALUES (?)", "p1")
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))
		assert.Equal(t, 0, count(t, "contract_parent"))
	})

	t.Run("Nested Rollback Keeps Outer Work", func(t *testing.T) {
		reset(t)
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Exec(ctx, "INSERT INTO contract_parent (id) VALUES (?)", "outer")
		require.NoError(t, err)

		nested, err := tx.Begin(ctx)
		require.NoError(t, err)
		_, err = nested.Exec(ctx, "INSERT INTO contract_parent (id) VALUES (?)", "inner")
		require.NoError(t, err)
		require.NoError(t, nested.Rollback(ctx))

		rows, err := tx.Query(ctx, "SELECT id FROM contract_parent")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "outer", rows[0]["id"])
		require.NoError(t, tx.Commit(ctx))
	})

	t.Run("Nested Commit Undone By Outer Rollback", func(t *testing.T) {
		reset(t)
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		nested, err := tx.Begin(ctx)
		require.NoError(t, err)
		_, err = nested.Exec(ctx, "INSERT INTO contract_parent (id) VALUES (?)", "inner")
		require.NoError(t, err)
		require.NoError(t, nested.Commit(ctx))
		require.NoError(t, tx.Rollback(ctx))
		assert.Equal(t, 0, count(t, "contract_parent"))
	})

	t.Run("Deferred Constraints", func(t *testing.T) {
		reset(t)
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.DeferConstraints(ctx))

		// The child arrives before its parent.
		_, err = tx.Exec(ctx, "INSERT INTO contract_child (id, parent) VALUES (?, ?)", "c1", "p1")
		require.NoError(t, err)
		_, err = tx.Exec(ctx, "INSERT INTO contract_parent (id) VALUES (?)", "p1")
		require.NoError(t, err)

		require.NoError(t, tx.EnforceConstraints(ctx))
		require.NoError(t, tx.Commit(ctx))
		assert.Equal(t, 1, count(t, "contract_child"))
	})

	t.Run("Violation Surfaces On Enforce", func(t *testing.T) {
		reset(t)
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.DeferConstraints(ctx))

		_, err = tx.Exec(ctx, "INSERT INTO contract_child (id, parent) VALUES (?, ?)", "c1", "missing")
		require.NoError(t, err, "violation must not surface before enforcement")

		err = tx.EnforceConstraints(ctx)
		require.Error(t, err)
		e, ok := domain.AsError(err)
		require.True(t, ok, "violation should be a domain error, got %v", err)
		assert.Equal(t, http.StatusConflict, e.Status)
		assert.Equal(t, domain.CodeConstraint, e.Code())

		require.NoError(t, tx.Rollback(ctx))
		assert.Equal(t, 0, count(t, "contract_child"))
	})

	t.Run("Failed Statement Keeps Transaction Usable", func(t *testing.T) {
		reset(t)
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		nested, err := tx.Begin(ctx)
		require.NoError(t, err)

		for _, q := range []Querier{tx, nested} {
			_, err = q.Exec(ctx, "INSERT INTO contract_parent (id) VALUES (?)", "dup")
			if err == nil {
				_, err = q.Exec(ctx, "INSERT INTO contract_parent (id) VALUES (?)", "dup")
			}
			e, ok := domain.AsError(err)
			require.True(t, ok, "duplicate key should be a domain error, got %v", err)
			assert.Equal(t, http.StatusConflict, e.Status)
		}

		// Both the outer and the nested transaction still accept work.
		_, err = nested.Exec(ctx, "INSERT INTO contract_parent (id) VALUES (?)", "after-nested")
		require.NoError(t, err)
		require.NoError(t, nested.Commit(ctx))
		_, err = tx.Exec(ctx, "INSERT INTO contract_parent (id) VALUES (?)", "after-outer")
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
		assert.Equal(t, 3, count(t, "contract_parent"))
	})

	exec(t, "DROP TABLE contract_child", "DROP TABLE contract_parent")
}
