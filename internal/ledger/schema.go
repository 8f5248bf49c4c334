// Package ledger provides the example resources served by sheaf: persons
// holding a balance and immutable transactions moving currency between them.
package ledger

import (
	"context"
	"fmt"

	"github.com/aretw0/sheaf/pkg/ports"
)

// Schema creates the ledger tables. The statements are portable between
// SQLite and PostgreSQL.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS persons (
		key TEXT PRIMARY KEY,
		firstname TEXT NOT NULL,
		lastname TEXT NOT NULL,
		email TEXT,
		balance BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		key TEXT PRIMARY KEY,
		transactiontimestamp TEXT NOT NULL,
		fromperson TEXT NOT NULL REFERENCES persons(key) DEFERRABLE INITIALLY IMMEDIATE,
		toperson TEXT NOT NULL REFERENCES persons(key) DEFERRABLE INITIALLY IMMEDIATE,
		description TEXT NOT NULL,
		amount BIGINT NOT NULL
	)`,
}

// Migrate applies Schema in one transaction.
func Migrate(ctx context.Context, db ports.Database) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range Schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to migrate ledger schema: %w", err)
		}
	}
	return tx.Commit(ctx)
}
