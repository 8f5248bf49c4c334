package ports

import "context"

// Row is one result row keyed by column name.
type Row map[string]any

// Querier runs statements. Queries use `?` placeholders; adapters rebind them
// to their dialect.
type Querier interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// Query runs a statement and returns every row it produced.
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
}

// Tx is an open database transaction bound to a single connection.
// A Tx accepts one operation at a time; callers must not use it concurrently.
type Tx interface {
	Querier

	// Begin opens a nested transaction (a savepoint) inside this one.
	Begin(ctx context.Context) (Tx, error)
	// Commit commits the transaction, or releases the savepoint when nested.
	Commit(ctx context.Context) error
	// Rollback discards the transaction, or rolls back to the savepoint when nested.
	Rollback(ctx context.Context) error

	// DeferConstraints postpones referential checks until EnforceConstraints or commit.
	DeferConstraints(ctx context.Context) error
	// EnforceConstraints checks every postponed constraint now. Violations are
	// reported as a *domain.Error with status 409.
	EnforceConstraints(ctx context.Context) error
}

// Database opens top level transactions.
type Database interface {
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}
