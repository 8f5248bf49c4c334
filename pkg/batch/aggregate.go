package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/route"
)

// outcome turns a settled job into its final result: errors are normalized,
// fulfilled results go through the route hooks.
func (e *Engine) outcome(ctx context.Context, logger *slog.Logger, tx ports.Tx, rt *route.Route, req *domain.Request, s Settled) *domain.Result {
	var res *domain.Result
	if s.Fulfilled() {
		res = e.hooks(ctx, logger, tx, rt, req, s.Value)
	} else {
		res = normalize(ctx, logger, s.Err)
	}
	res.Href = req.Href
	res.Verb = req.Verb
	return res
}

// hooks run one after the other; the first failure replaces the result.
func (e *Engine) hooks(ctx context.Context, logger *slog.Logger, tx ports.Tx, rt *route.Route, req *domain.Request, res *domain.Result) *domain.Result {
	for _, hook := range rt.Hooks {
		if err := runHook(ctx, hook, tx, req, res); err != nil {
			return normalize(ctx, logger, err)
		}
	}
	return res
}

func runHook(ctx context.Context, hook ports.Hook, tx ports.Tx, req *domain.Request, res *domain.Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook(ctx, tx, req, res)
}

// normalize maps any error to a result. Errors that are not *domain.Error
// are unexpected and logged.
func normalize(ctx context.Context, logger *slog.Logger, err error) *domain.Result {
	if de, ok := domain.AsError(err); ok {
		logger.DebugContext(ctx, "Batch element failed", "status", de.Status, "code", de.Code())
		return de.Result()
	}
	logger.ErrorContext(ctx, "Unexpected error in batch element", "err", err)
	return domain.Internal(err).Result()
}

// failAll produces one copy of err's result per result n would have
// produced, keeping href and verb of each element.
func failAll(ctx context.Context, logger *slog.Logger, n domain.Node, err error) []*domain.Result {
	logger.WarnContext(ctx, "Sublist failed as a whole", "size", n.Size(), "err", err)

	out := make([]*domain.Result, 0, n.Size())
	for _, el := range leaves(n) {
		res := domain.Normalize(err).Result()
		if el != nil {
			res.Href = el.Href
			res.Verb = el.Verb
		}
		out = append(out, res)
	}
	return out
}

// leaves flattens n in result order. Invalid nodes yield a nil element.
func leaves(n domain.Node) []*domain.Element {
	switch n.Kind {
	case domain.KindElements:
		out := make([]*domain.Element, len(n.Elements))
		for i := range n.Elements {
			out[i] = &n.Elements[i]
		}
		return out
	case domain.KindSublists:
		var out []*domain.Element
		for _, child := range n.Children {
			out = append(out, leaves(child)...)
		}
		return out
	default:
		return []*domain.Element{nil}
	}
}
