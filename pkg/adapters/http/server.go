// Package http exposes a batch service over HTTP with chi.
//
// Every route of the service registry is mounted as is: batch routes accept
// a JSON array and answer with the array of results under the overall status;
// other routes answer with the body and status of their single result.
package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/aretw0/sheaf/internal/logging"
	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/route"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultMaxBody bounds request bodies (10 MiB).
const DefaultMaxBody = 10 << 20

// Service is the batch service served by the handler.
type Service interface {
	Routes() *route.Registry
	Batch(ctx context.Context, req *domain.Request) (*domain.Response, error)
	Do(ctx context.Context, req *domain.Request) (*domain.Result, error)
	Ping(ctx context.Context) error
}

// Server holds the handler dependencies.
type Server struct {
	Service  Service
	Logger   *slog.Logger
	MaxBody  int64
	gatherer prometheus.Gatherer
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithMetrics exposes g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithMaxBody overrides DefaultMaxBody.
func WithMaxBody(n int64) Option {
	return func(s *Server) {
		s.MaxBody = n
	}
}

// NewHandler creates a new HTTP handler for the service.
func NewHandler(svc Service, opts ...Option) http.Handler {
	server := &Server{
		Service: svc,
		Logger:  logging.NewNop(),
		MaxBody: DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(server)
	}

	r := chi.NewRouter()
	r.Get("/health", server.Health)
	if server.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(server.gatherer, promhttp.HandlerOpts{}))
	}

	for _, rt := range svc.Routes().Routes() {
		if rt.Batch {
			r.MethodFunc(rt.Verb, rt.Pattern, server.Batch)
		} else {
			r.MethodFunc(rt.Verb, rt.Pattern, server.Single)
		}
	}
	return r
}

// Health answers 200 while the database is reachable.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Ping(r.Context()); err != nil {
		s.Logger.Warn("Health check failed", "err", err)
		writeJSON(w, s.Logger, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, s.Logger, http.StatusOK, map[string]string{"status": "ok"})
}

// Batch handles a request on a batch route.
func (s *Server) Batch(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := s.request(r, body)
	req.Path = r.URL.Path
	req.BatchID = r.Header.Get("X-Batch-Id")

	res, err := s.Service.Batch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Logger.Debug("Batch handled", "path", req.Path, "status", res.Status, "elements", len(res.Body), "batch_id", req.BatchID)
	writeJSON(w, s.Logger, res.Status, res.Body)
}

// Single handles a request on any other route.
func (s *Server) Single(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.Service.Do(r.Context(), s.request(r, body))
	if err != nil {
		s.writeError(w, err)
		return
	}
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	writeJSON(w, s.Logger, res.Status, res.Body)
}

func (s *Server) request(r *http.Request, body []byte) *domain.Request {
	req := &domain.Request{
		Href:   r.URL.RequestURI(),
		Verb:   r.Method,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		DryRun: r.URL.Query().Get("dryRun") == "true",
	}
	if len(body) > 0 {
		req.Body = json.RawMessage(body)
	}
	return req
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxBody))
	if err != nil {
		return nil, domain.Errorf(http.StatusBadRequest, domain.CodeBodyInvalid, "Request body could not be read: %v", err)
	}
	return body, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := domain.Normalize(err)
	if e.Code() == domain.CodeInternal {
		s.Logger.Error("Request failed", "err", err)
	}
	res := e.Result()
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	writeJSON(w, s.Logger, res.Status, res.Body)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	if body == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Response encode failed", "err", err)
	}
}
