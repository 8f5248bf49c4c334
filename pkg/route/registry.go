package route

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aretw0/sheaf/internal/logging"
	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/go-chi/chi/v5"
)

var (
	// ErrInvalidRoute is returned by NewRegistry for a malformed route.
	ErrInvalidRoute = errors.New("invalid route")
)

var supportedVerbs = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Route binds a verb and a path pattern to a handler.
// Patterns use chi syntax, e.g. "/persons/{key}".
type Route struct {
	Pattern string
	Verb    string
	// Type is the resource type the route serves, e.g. "/persons".
	Type    string
	Handler ports.Handler
	// Batch marks the batch endpoint itself. Batch routes may not be
	// targeted from inside a batch.
	Batch bool
	// Hooks run after a fulfilled request, in order.
	Hooks []ports.Hook
}

// Match is a resolved href.
type Match struct {
	Route  *Route
	Path   string
	Params map[string]string
	Query  url.Values
}

type entry struct {
	route Route
	mux   *chi.Mux
}

// Registry is an ordered, immutable set of routes.
type Registry struct {
	entries []entry
	logger  *slog.Logger
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger configures a logger for ambiguity diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry validates routes and compiles their patterns. The registry
// keeps registration order; it cannot be modified afterwards.
func NewRegistry(routes []Route, opts ...Option) (*Registry, error) {
	reg := &Registry{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(reg)
	}

	for i, rt := range routes {
		if err := validate(rt); err != nil {
			return nil, fmt.Errorf("route %d (%s %s): %w", i, rt.Verb, rt.Pattern, err)
		}

		// One mux per route so that every pattern is evaluated on its own and
		// registration order decides between overlapping patterns.
		mux := chi.NewRouter()
		mux.MethodFunc(rt.Verb, rt.Pattern, func(http.ResponseWriter, *http.Request) {})
		reg.entries = append(reg.entries, entry{route: rt, mux: mux})
	}
	return reg, nil
}

func validate(rt Route) error {
	if !strings.HasPrefix(rt.Pattern, "/") {
		return fmt.Errorf("%w: pattern must start with '/'", ErrInvalidRoute)
	}
	if !supportedVerbs[rt.Verb] {
		return fmt.Errorf("%w: unsupported verb %q", ErrInvalidRoute, rt.Verb)
	}
	if rt.Handler == nil && !rt.Batch {
		return fmt.Errorf("%w: handler is required", ErrInvalidRoute)
	}
	return nil
}

// Routes returns the routes in registration order.
func (r *Registry) Routes() []Route {
	out := make([]Route, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.route
	}
	return out
}

// Match resolves href and verb to the first registered route that accepts
// them. Several candidates are a configuration smell and are logged.
func (r *Registry) Match(href, verb string) (Match, error) {
	parsed, err := url.Parse(href)
	if err != nil {
		return Match{}, domain.Errorf(http.StatusNotFound, domain.CodeNoMatchingRoute, "Unparsable href %q.", href)
	}
	path := strings.TrimSuffix(parsed.Path, "/")
	if path == "" {
		path = "/"
	}

	var (
		found   *Match
		matches int
	)
	for i := range r.entries {
		e := &r.entries[i]
		rctx := chi.NewRouteContext()
		if !e.mux.Match(rctx, verb, path) {
			continue
		}
		matches++
		if found != nil {
			continue
		}

		params := make(map[string]string, len(rctx.URLParams.Keys))
		for k, key := range rctx.URLParams.Keys {
			params[key] = rctx.URLParams.Values[k]
		}
		found = &Match{
			Route:  &e.route,
			Path:   path,
			Params: params,
			Query:  parsed.Query(),
		}
	}

	if found == nil {
		return Match{}, domain.Errorf(http.StatusNotFound, domain.CodeNoMatchingRoute, "No route found for %s on %s.", verb, path)
	}
	if matches > 1 {
		r.logger.Warn("Multiple routes match batch href, only the first is used. Check configuration.",
			"path", path,
			"verb", verb,
			"matches", matches,
			"pattern", found.Route.Pattern,
		)
	}
	return *found, nil
}
