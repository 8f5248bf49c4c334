// Package txn opens transactions whose termination is decoupled from the code
// that opened them.
//
// Begin hands back a Handle as soon as the transaction is usable; a dedicated
// goroutine owns the underlying transaction and waits until the holder calls
// Resolve or Reject. Every transaction runs with deferred constraints, which are
// escalated right before a commit so a genuine violation surfaces there.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/sheaf/internal/logging"
	"github.com/aretw0/sheaf/pkg/ports"
)

// ErrNotOpen is returned when Resolve or Reject is called on a handle that was
// already terminated. It signals a programming error in the caller.
var ErrNotOpen = errors.New("transaction is not open")

// State of a Handle.
type State int

const (
	Open State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Beginner opens a transaction. Both ports.Database and ports.Tx satisfy it,
// the latter opening a nested transaction.
type Beginner interface {
	Begin(ctx context.Context) (ports.Tx, error)
}

// Observer is notified of every terminated transaction.
type Observer func(outcome State, err error)

type verdict int

const (
	commit verdict = iota
	rollback
)

// Handle is an open transaction plus the means to terminate it.
type Handle struct {
	tx        ports.Tx
	terminate chan verdict
	done      chan error

	mu      sync.Mutex
	state   State
	closing bool

	logger   *slog.Logger
	observer Observer
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger configures a logger for transaction misuse and failures.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) {
		h.logger = logger
	}
}

// WithObserver registers a callback invoked once the transaction terminates.
func WithObserver(fn Observer) Option {
	return func(h *Handle) {
		h.observer = fn
	}
}

// Begin opens a transaction on parent and defers its constraints. The
// returned handle stays open until Resolve or Reject is called.
func Begin(ctx context.Context, parent Beginner, opts ...Option) (*Handle, error) {
	h := &Handle{
		terminate: make(chan verdict, 1),
		done:      make(chan error, 1),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	ready := make(chan error, 1)
	go h.own(ctx, parent, ready)

	if err := <-ready; err != nil {
		return nil, err
	}
	return h, nil
}

// own runs for the whole life of the transaction.
func (h *Handle) own(ctx context.Context, parent Beginner, ready chan<- error) {
	tx, err := parent.Begin(ctx)
	if err != nil {
		ready <- fmt.Errorf("failed to begin transaction: %w", err)
		return
	}
	if err := tx.DeferConstraints(ctx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		ready <- fmt.Errorf("failed to defer constraints: %w", err)
		return
	}
	h.tx = tx
	ready <- nil

	how := <-h.terminate

	// The holder's context may be cancelled by now; the transaction must
	// still be terminated.
	ctx = context.WithoutCancel(ctx)
	if how == rollback {
		h.done <- tx.Rollback(ctx)
		return
	}

	if err := tx.EnforceConstraints(ctx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			h.logger.Error("Rollback after constraint failure failed", "err", rbErr)
		}
		h.done <- err
		return
	}
	if err := tx.Commit(ctx); err != nil {
		// Commit failures leave the transaction unusable; roll back what remains.
		_ = tx.Rollback(ctx)
		h.done <- err
		return
	}
	h.done <- nil
}

// Tx returns the transaction. It must not be used after termination.
func (h *Handle) Tx() ports.Tx {
	return h.tx
}

// State returns the current state of the handle.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Resolve commits the transaction. When constraints or the commit fail, the
// transaction ends rolled back and the error is returned.
func (h *Handle) Resolve(ctx context.Context) error {
	return h.finish(ctx, commit)
}

// Reject rolls the transaction back.
func (h *Handle) Reject(ctx context.Context) error {
	return h.finish(ctx, rollback)
}

func (h *Handle) finish(ctx context.Context, how verdict) error {
	h.mu.Lock()
	if h.state != Open || h.closing {
		state := h.state
		h.mu.Unlock()
		h.logger.ErrorContext(ctx, "Transaction terminated twice", "state", state.String())
		return fmt.Errorf("%w (state %s)", ErrNotOpen, state)
	}
	h.closing = true
	h.mu.Unlock()

	h.terminate <- how
	err := <-h.done

	outcome := RolledBack
	if how == commit && err == nil {
		outcome = Committed
	}
	h.mu.Lock()
	h.state = outcome
	h.mu.Unlock()

	if err != nil {
		h.logger.DebugContext(ctx, "Transaction terminated with error", "outcome", outcome.String(), "err", err)
	}
	if h.observer != nil {
		h.observer(outcome, err)
	}
	return err
}
