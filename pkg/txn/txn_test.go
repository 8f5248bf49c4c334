package txn_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTx logs the lifecycle calls it receives.
type recordingTx struct {
	mu        sync.Mutex
	calls     []string
	beginErr  error
	enforce   error
	commitErr error
}

func (r *recordingTx) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingTx) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingTx) Begin(ctx context.Context) (ports.Tx, error) {
	r.record("begin")
	if r.beginErr != nil {
		return nil, r.beginErr
	}
	return r, nil
}

func (r *recordingTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	r.record("exec")
	return 1, nil
}

func (r *recordingTx) Query(ctx context.Context, query string, args ...any) ([]ports.Row, error) {
	r.record("query")
	return nil, nil
}

func (r *recordingTx) Commit(ctx context.Context) error {
	r.record("commit")
	return r.commitErr
}

func (r *recordingTx) Rollback(ctx context.Context) error {
	r.record("rollback")
	return nil
}

func (r *recordingTx) DeferConstraints(ctx context.Context) error {
	r.record("defer")
	return nil
}

func (r *recordingTx) EnforceConstraints(ctx context.Context) error {
	r.record("enforce")
	return r.enforce
}

func TestResolve_EnforcesThenCommits(t *testing.T) {
	parent := &recordingTx{}
	h, err := txn.Begin(context.Background(), parent)
	require.NoError(t, err)
	assert.Equal(t, txn.Open, h.State())

	_, err = h.Tx().Exec(context.Background(), "UPDATE x SET y = 1")
	require.NoError(t, err)

	require.NoError(t, h.Resolve(context.Background()))
	assert.Equal(t, txn.Committed, h.State())
	assert.Equal(t, []string{"begin", "defer", "exec", "enforce", "commit"}, parent.Calls())
}

func TestReject_RollsBack(t *testing.T) {
	parent := &recordingTx{}
	h, err := txn.Begin(context.Background(), parent)
	require.NoError(t, err)

	require.NoError(t, h.Reject(context.Background()))
	assert.Equal(t, txn.RolledBack, h.State())
	assert.Equal(t, []string{"begin", "defer", "rollback"}, parent.Calls())
}

func TestResolve_ConstraintViolationRollsBack(t *testing.T) {
	violation := domain.NewError(409, domain.CodeConstraint, "dangling reference")
	parent := &recordingTx{enforce: violation}

	var observed txn.State
	h, err := txn.Begin(context.Background(), parent, txn.WithObserver(func(outcome txn.State, err error) {
		observed = outcome
	}))
	require.NoError(t, err)

	err = h.Resolve(context.Background())
	assert.ErrorIs(t, err, violation)
	assert.Equal(t, txn.RolledBack, h.State())
	assert.Equal(t, txn.RolledBack, observed)
	assert.Equal(t, []string{"begin", "defer", "enforce", "rollback"}, parent.Calls())
}

func TestResolve_CommitFailure(t *testing.T) {
	parent := &recordingTx{commitErr: errors.New("connection reset")}
	h, err := txn.Begin(context.Background(), parent)
	require.NoError(t, err)

	assert.EqualError(t, h.Resolve(context.Background()), "connection reset")
	assert.Equal(t, txn.RolledBack, h.State())
}

func TestBegin_Failure(t *testing.T) {
	parent := &recordingTx{beginErr: errors.New("pool exhausted")}
	_, err := txn.Begin(context.Background(), parent)
	assert.ErrorContains(t, err, "pool exhausted")
}

func TestTerminateTwice(t *testing.T) {
	h, err := txn.Begin(context.Background(), &recordingTx{})
	require.NoError(t, err)

	require.NoError(t, h.Resolve(context.Background()))
	assert.ErrorIs(t, h.Resolve(context.Background()), txn.ErrNotOpen)
	assert.ErrorIs(t, h.Reject(context.Background()), txn.ErrNotOpen)
	assert.Equal(t, txn.Committed, h.State())
}

func TestResolve_AfterCallerContextCancelled(t *testing.T) {
	parent := &recordingTx{}
	ctx, cancel := context.WithCancel(context.Background())
	h, err := txn.Begin(ctx, parent)
	require.NoError(t, err)

	// Termination happens on a detached context.
	cancel()
	require.NoError(t, h.Resolve(ctx))
	assert.Equal(t, txn.Committed, h.State())
}

func TestTerminationIsDecoupledFromCaller(t *testing.T) {
	h, err := txn.Begin(context.Background(), &recordingTx{})
	require.NoError(t, err)

	// Another goroutine decides the outcome later.
	done := make(chan error)
	go func() {
		done <- h.Reject(context.Background())
	}()
	require.NoError(t, <-done)
	assert.Equal(t, txn.RolledBack, h.State())
}
