package sheaf

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/aretw0/sheaf/internal/logging"
	"github.com/aretw0/sheaf/pkg/batch"
	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/observability"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/route"
	"github.com/aretw0/sheaf/pkg/txn"
)

// Version of the sheaf module and binary.
const Version = "0.4.0"

// Service is the high-level entry point: it owns the request transaction
// around the batch engine.
//
// Every request runs in its own top-level transaction, which is committed
// only when the overall status is below 300 and the request is not a dry run.
type Service struct {
	db      ports.Database
	engine  *batch.Engine
	logger  *slog.Logger
	metrics *observability.Metrics

	engineOpts []batch.Option
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets a structured logger for the service and its engine.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
		s.engineOpts = append(s.engineOpts, batch.WithLogger(logger))
	}
}

// WithGate bounds the concurrency of batches across the process (or the
// cluster, with a shared gate).
func WithGate(gate ports.Gate) Option {
	return func(s *Service) {
		s.engineOpts = append(s.engineOpts, batch.WithGate(gate))
	}
}

// WithMetrics records service and engine metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
		s.engineOpts = append(s.engineOpts, batch.WithMetrics(m))
	}
}

// WithConcurrency caps how many elements of one group run at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		s.engineOpts = append(s.engineOpts, batch.WithConcurrency(n))
	}
}

// New creates a Service running routes against db.
func New(db ports.Database, routes *route.Registry, opts ...Option) *Service {
	s := &Service{
		db:     db,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = batch.New(routes, s.engineOpts...)
	return s
}

// Routes returns the registry the service serves.
func (s *Service) Routes() *route.Registry {
	return s.engine.Routes()
}

// Batch executes a batch request. A non-nil error means no per-element
// response exists: the body was not a batch, the transaction could not be
// opened, or committing it failed (for instance on a deferred constraint).
func (s *Service) Batch(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	h, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer s.rejectOnPanic(ctx, h)

	res, err := s.engine.Execute(ctx, h.Tx(), req)
	if err != nil {
		s.reject(ctx, h)
		return nil, err
	}
	if err := s.terminate(ctx, h, res.Status, req.DryRun); err != nil {
		return nil, err
	}
	return res, nil
}

// Do executes a single, non-batch request. Href and Verb select the route.
func (s *Service) Do(ctx context.Context, req *domain.Request) (*domain.Result, error) {
	m, err := s.engine.Routes().Match(req.Href, req.Verb)
	if err != nil {
		return nil, err
	}
	if m.Route.Batch {
		return nil, domain.NewError(http.StatusBadRequest, domain.CodeBodyInvalid, "Batch routes are executed with Batch.")
	}
	req.Path = m.Path
	req.Params = m.Params
	req.Query = m.Query
	req.Type = m.Route.Type
	if m.Query.Get("dryRun") == "true" {
		req.DryRun = true
	}

	h, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer s.rejectOnPanic(ctx, h)

	res := s.engine.Serve(ctx, h.Tx(), m.Route, req)
	if err := s.terminate(ctx, h, res.Status, req.DryRun); err != nil {
		return nil, err
	}
	return res, nil
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Service) begin(ctx context.Context) (*txn.Handle, error) {
	h, err := txn.Begin(ctx, s.db, txn.WithLogger(s.logger), txn.WithObserver(func(outcome txn.State, _ error) {
		s.metrics.ObserveTransaction(outcome.String())
	}))
	if err != nil {
		return nil, domain.Internal(err)
	}
	return h, nil
}

func (s *Service) terminate(ctx context.Context, h *txn.Handle, status int, dryRun bool) error {
	if status >= http.StatusMultipleChoices || dryRun {
		s.reject(ctx, h)
		return nil
	}
	if err := h.Resolve(ctx); err != nil {
		s.logger.WarnContext(ctx, "Request transaction failed to commit", "err", err)
		return domain.Normalize(err)
	}
	return nil
}

// rejectOnPanic rolls back h while a panic unwinds, so the transaction and
// its connection are never left open. The panic continues afterwards.
func (s *Service) rejectOnPanic(ctx context.Context, h *txn.Handle) {
	if r := recover(); r != nil {
		s.logger.ErrorContext(ctx, "Request panicked, rolling back", "panic", r)
		s.reject(ctx, h)
		panic(r)
	}
}

func (s *Service) reject(ctx context.Context, h *txn.Handle) {
	if err := h.Reject(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Failed to roll back request transaction", "err", err)
	}
}
