package ports

import (
	"context"

	"github.com/aretw0/sheaf/pkg/domain"
)

// Phaser lets a handler announce the parts of its work that touch the shared
// transaction. Between Enter and Exit the handler holds exclusive, ordered
// access to Tx; outside of it the handler must not touch Tx.
type Phaser interface {
	Enter(ctx context.Context) error
	Exit()
	// Do runs fn inside a phase.
	Do(ctx context.Context, fn func() error) error
}

// Call carries everything a handler needs for one request.
type Call struct {
	Tx      Tx
	Request *domain.Request
	Phase   Phaser
}

// Handler serves one (batch element or single) request.
// Returning a *domain.Error produces a result with its status; any other
// error becomes a 500 result.
type Handler func(ctx context.Context, call *Call) (*domain.Result, error)

// Hook post-processes the result of a fulfilled request. Hooks of one group
// run one at a time, in submission order, after the whole group settled.
type Hook func(ctx context.Context, tx Tx, req *domain.Request, res *domain.Result) error
