// Package postgres implements ports.Database on PostgreSQL with pgx.
//
// Statements use "?" placeholders like the rest of the module and are
// rewritten to PostgreSQL's positional form. Nested transactions are pgx
// savepoints; deferred constraints use SET CONSTRAINTS, so foreign keys must
// be declared DEFERRABLE to benefit from it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aretw0/sheaf/internal/logging"
	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// integrityViolation is the SQLSTATE class of constraint failures.
const integrityViolation = "23"

// DB is a pooled PostgreSQL database.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures the DB.
type Option func(*DB)

// WithLogger configures the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// Open connects to the database described by dsn.
func Open(ctx context.Context, dsn string, opts ...Option) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	d := &DB{pool: pool, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return d, nil
}

func (d *DB) Begin(ctx context.Context) (ports.Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, logger: d.logger}, nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// Tx wraps a pgx transaction or savepoint.
type Tx struct {
	tx     pgx.Tx
	nested bool
	logger *slog.Logger
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := t.statement(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, Rebind(query), args...)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) ([]ports.Row, error) {
	var out []map[string]any
	err := t.statement(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, Rebind(query), args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToMap)
		return err
	})
	if err != nil {
		return nil, err
	}
	result := make([]ports.Row, len(out))
	for i, r := range out {
		result[i] = r
	}
	return result, nil
}

// statement runs fn under its own savepoint. A failed statement aborts a
// Postgres transaction, so it is rolled back to the savepoint and the
// elements sharing the transaction keep their own outcome.
func (t *Tx) statement(ctx context.Context, fn func(pgx.Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to create statement savepoint: %w", err)
	}
	if err := fn(sp); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			t.logger.ErrorContext(ctx, "Failed to roll back statement savepoint", "err", rbErr)
		}
		return mapError(err)
	}
	return mapError(sp.Commit(ctx))
}

// Begin opens a savepoint.
func (t *Tx) Begin(ctx context.Context) (ports.Tx, error) {
	tx, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create savepoint: %w", err)
	}
	return &Tx{tx: tx, nested: true, logger: t.logger}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	return mapError(t.tx.Commit(ctx))
}

// Rollback discards the transaction. pgx makes it a no-op once committed.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *Tx) DeferConstraints(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, "SET CONSTRAINTS ALL DEFERRED")
	return err
}

// EnforceConstraints checks every deferred constraint now. A nested
// transaction defers them again afterwards, since the setting applies to the
// whole enclosing transaction.
func (t *Tx) EnforceConstraints(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, "SET CONSTRAINTS ALL IMMEDIATE"); err != nil {
		return mapError(err)
	}
	if t.nested {
		return t.DeferConstraints(ctx)
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, integrityViolation) {
		e := domain.NewError(http.StatusConflict, domain.CodeConstraint, pgErr.Message)
		e.Errors[0].Body = map[string]string{
			"constraint": pgErr.ConstraintName,
			"table":      pgErr.TableName,
			"detail":     pgErr.Detail,
		}
		return e
	}
	return err
}

// Rebind rewrites "?" placeholders to "$1", "$2", ... Question marks inside
// single-quoted literals, double-quoted identifiers and comments are left
// alone.
func Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}

	var (
		b       strings.Builder
		n       int
		quote   byte
		comment bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
			}
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			comment = true
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
