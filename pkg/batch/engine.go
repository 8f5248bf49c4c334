package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/sheaf/internal/logging"
	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/observability"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/route"
	"github.com/aretw0/sheaf/pkg/txn"
	"github.com/google/uuid"
)

// DefaultConcurrency is the per-group concurrency used when none is configured.
const DefaultConcurrency = 4

// Engine executes batch and single requests against a route registry.
type Engine struct {
	routes      *route.Registry
	gate        ports.Gate
	concurrency int
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger configures the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithGate makes every batch acquire its concurrency from gate.
// Without a gate a batch always gets the width it asks for.
func WithGate(gate ports.Gate) Option {
	return func(e *Engine) {
		e.gate = gate
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithConcurrency caps how many elements of one group run at the same time.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// New creates an Engine serving routes.
func New(routes *route.Registry, opts ...Option) *Engine {
	e := &Engine{
		routes:      routes,
		concurrency: DefaultConcurrency,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Routes returns the registry the engine resolves hrefs against.
func (e *Engine) Routes() *route.Registry {
	return e.routes
}

// Execute runs the batch carried by req on tx.
//
// tx is the caller's transaction: elements of a flat batch run directly on
// it, every sublist runs on a transaction nested in it. Terminating tx stays
// the caller's job. The returned error is only set when the body is not a
// batch at all (a *domain.Error) or admission fails; everything else is
// reported per element.
func (e *Engine) Execute(ctx context.Context, tx ports.Tx, req *domain.Request) (*domain.Response, error) {
	node, err := domain.ParseNode(req.Body)
	if err != nil {
		return nil, err
	}
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}
	if req.Shared == nil {
		req.Shared = domain.NewSharedState()
	}

	width, release, err := e.admit(ctx, node.MaxWidth())
	if err != nil {
		return nil, err
	}
	defer release()

	logger := e.logger.With("batch_id", req.BatchID)
	logger.DebugContext(ctx, "Executing batch", "path", req.Path, "size", node.Size(), "width", width)

	w := &walk{
		engine: e,
		logger: logger,
		outer:  req,
		base:   boundary(req.Path),
		width:  width,
	}
	results := w.node(ctx, node, tx)
	if results == nil {
		results = []*domain.Result{}
	}

	status := domain.OverallStatus(results)
	e.metrics.ObserveBatch(status)
	logger.DebugContext(ctx, "Batch settled", "status", status)
	return &domain.Response{Status: status, Body: results}, nil
}

// Serve runs a single request through the same executor as batch elements,
// so handlers written against Phaser behave identically in both cases.
func (e *Engine) Serve(ctx context.Context, tx ports.Tx, rt *route.Route, req *domain.Request) *domain.Result {
	if req.Shared == nil {
		req.Shared = domain.NewSharedState()
	}
	job := Job{Handler: rt.Handler, Call: &ports.Call{Tx: tx, Request: req}}
	settled := Settle(ctx, []Job{job}, 1)[0]

	res := e.outcome(ctx, e.logger, tx, rt, req, settled)
	e.metrics.ObserveElement(req.Verb, res.Status)
	return res
}

// admit asks the gate for width and returns the concurrency to use.
func (e *Engine) admit(ctx context.Context, width int) (int, func(), error) {
	weight := min(max(width, 1), e.concurrency)
	if e.gate == nil {
		return weight, func() {}, nil
	}

	token, err := e.gate.Acquire(ctx, weight)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to acquire batch concurrency: %w", err)
	}
	e.metrics.ObserveGrant(token.Granted)

	release := func() {
		if err := e.gate.Release(context.WithoutCancel(ctx), token); err != nil {
			e.logger.WarnContext(ctx, "Failed to release batch concurrency", "token", token.ID, "err", err)
		}
	}
	return max(token.Granted, 1), release, nil
}

func (e *Engine) observeTx(outcome txn.State, _ error) {
	e.metrics.ObserveTransaction(outcome.String())
}
