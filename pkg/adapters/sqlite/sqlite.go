// Package sqlite implements ports.Database on SQLite (modernc.org/sqlite, no cgo).
//
// Nested transactions are savepoints on the enclosing transaction. Deferred
// constraints use PRAGMA defer_foreign_keys; enforcement runs
// PRAGMA foreign_key_check, since SQLite only reports deferred violations as
// an opaque failure of the final COMMIT.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/aretw0/sheaf/internal/logging"
	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DB is a SQLite database.
type DB struct {
	db        *sql.DB
	logger    *slog.Logger
	savepoint atomic.Uint64
}

// Option configures the DB.
type Option func(*DB)

// WithLogger configures the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// Open opens the database at dsn (a file path, or ":memory:") with foreign
// keys enabled.
//
// SQLite allows a single writer, so the pool holds one connection:
// transactions are serialized and an in-memory database is shared by all of
// them.
func Open(ctx context.Context, dsn string, opts ...Option) (*DB, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+"_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	d := &DB{db: db, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(d)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return d, nil
}

// Begin starts a top-level transaction.
func (d *DB) Begin(ctx context.Context) (ports.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{db: d, tx: tx}, nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Tx is a transaction, or a savepoint when nested.
type Tx struct {
	db        *DB
	tx        *sql.Tx
	savepoint string
	done      atomic.Bool
}

// Exec runs a statement and returns the number of affected rows.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return affected(res)
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// Query runs a query and returns every row keyed by column name.
func (t *Tx) Query(ctx context.Context, query string, args ...any) ([]ports.Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return scan(rows)
}

// Begin opens a savepoint.
func (t *Tx) Begin(ctx context.Context) (ports.Tx, error) {
	name := fmt.Sprintf("sheaf_sp_%d", t.db.savepoint.Add(1))
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("failed to create savepoint: %w", err)
	}
	return &Tx{db: t.db, tx: t.tx, savepoint: name}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.savepoint == "" {
		if err := t.tx.Commit(); err != nil {
			return mapError(err)
		}
		t.done.Store(true)
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
		return mapError(err)
	}
	t.done.Store(true)
	return nil
}

// Rollback discards the transaction. It is a no-op after a successful Commit.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done.Swap(true) {
		return nil
	}
	if t.savepoint == "" {
		return t.tx.Rollback()
	}
	// ROLLBACK TO keeps the savepoint open; release it as well.
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
		return fmt.Errorf("failed to roll back savepoint: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// DeferConstraints postpones foreign key checks until the outermost commit.
func (t *Tx) DeferConstraints(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON")
	return err
}

// EnforceConstraints reports pending foreign key violations as a 409.
func (t *Tx) EnforceConstraints(ctx context.Context) error {
	rows, err := t.Query(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	violations := make([]string, 0, len(rows))
	for _, r := range rows {
		violations = append(violations, fmt.Sprintf("%v row %v references missing %v", r["table"], r["rowid"], r["parent"]))
	}
	t.db.logger.DebugContext(ctx, "Foreign key violations pending", "count", len(rows))
	e := domain.NewError(http.StatusConflict, domain.CodeConstraint, strings.Join(violations, "; "))
	return e
}

func scan(rows *sql.Rows) ([]ports.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []ports.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(ports.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// mapError turns constraint failures into 409 domain errors.
func mapError(err error) error {
	var se *msqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return domain.NewError(http.StatusConflict, domain.CodeConstraint, se.Error())
	}
	return err
}
