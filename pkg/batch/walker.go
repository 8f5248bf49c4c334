package batch

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/route"
	"github.com/aretw0/sheaf/pkg/txn"
)

// walk holds what stays constant while descending one batch tree.
type walk struct {
	engine *Engine
	logger *slog.Logger
	outer  *domain.Request
	base   string
	width  int
}

// boundary returns the path prefix hrefs of a batch posted to path must stay
// under: "/persons/batch" confines its elements to "/persons".
func boundary(path string) string {
	base, _, _ := strings.Cut(path, "/batch")
	return strings.TrimSuffix(base, "/")
}

func (w *walk) node(ctx context.Context, n domain.Node, tx ports.Tx) []*domain.Result {
	switch n.Kind {
	case domain.KindElements:
		return w.group(ctx, n.Elements, tx)
	case domain.KindSublists:
		var out []*domain.Result
		for _, child := range n.Children {
			out = append(out, w.sublist(ctx, child, tx)...)
		}
		return out
	default:
		return []*domain.Result{n.Err.Result()}
	}
}

// sublist runs child on a transaction nested in tx. The nested transaction
// commits only when every result of child succeeded.
func (w *walk) sublist(ctx context.Context, child domain.Node, tx ports.Tx) []*domain.Result {
	h, err := txn.Begin(ctx, tx, txn.WithLogger(w.logger), txn.WithObserver(w.engine.observeTx))
	if err != nil {
		return failAll(ctx, w.logger, child, err)
	}

	results := w.node(ctx, child, h.Tx())
	if !domain.AllSucceeded(results) {
		if err := h.Reject(ctx); err != nil {
			w.logger.ErrorContext(ctx, "Failed to roll back sublist", "err", err)
		}
		return results
	}
	if err := h.Resolve(ctx); err != nil {
		return failAll(ctx, w.logger, child, err)
	}
	return results
}

type pending struct {
	slot  int
	route *route.Route
}

// group runs a list of elements concurrently on tx.
func (w *walk) group(ctx context.Context, elements []domain.Element, tx ports.Tx) []*domain.Result {
	results := make([]*domain.Result, len(elements))
	jobs := make([]Job, 0, len(elements))
	queued := make([]pending, 0, len(elements))

	invalid := false
	for i, el := range elements {
		rt, req, err := w.resolve(el)
		if err != nil {
			res := normalize(ctx, w.logger, err)
			res.Href = el.Href
			res.Verb = el.Verb
			results[i] = res
			invalid = true
			continue
		}
		jobs = append(jobs, Job{Handler: rt.Handler, Call: &ports.Call{Tx: tx, Request: req}})
		queued = append(queued, pending{slot: i, route: rt})
	}

	// A group with an unresolvable element is rolled back anyway; nothing in
	// it runs.
	if invalid {
		for _, p := range queued {
			el := elements[p.slot]
			res := domain.NewError(http.StatusBadRequest, domain.CodeElementSkipped,
				"Not executed because another element of the same list is invalid.").Result()
			res.Href = el.Href
			res.Verb = el.Verb
			results[p.slot] = res
		}
		w.logger.DebugContext(ctx, "Group not executed", "batch_id", w.outer.BatchID, "size", len(elements), "skipped", len(queued))
		for _, res := range results {
			w.engine.metrics.ObserveElement(res.Verb, res.Status)
		}
		return results
	}

	start := time.Now()
	settled := Settle(ctx, jobs, w.width, WithWaitObserver(w.engine.metrics.ObservePhaseWait))
	w.engine.metrics.ObserveGroup(time.Since(start))

	for k, s := range settled {
		p := queued[k]
		results[p.slot] = w.engine.outcome(ctx, w.logger, tx, p.route, jobs[k].Call.Request, s)
	}
	for _, res := range results {
		w.engine.metrics.ObserveElement(res.Verb, res.Status)
	}
	return results
}

// resolve matches an element to its route and builds the inner request.
func (w *walk) resolve(el domain.Element) (*route.Route, *domain.Request, error) {
	if el.Verb == "" {
		return nil, nil, domain.NewError(http.StatusBadRequest, domain.CodeVerbMissing, "VERB is not specified.")
	}

	m, err := w.engine.routes.Match(el.Href, el.Verb)
	if err != nil {
		return nil, nil, err
	}
	if m.Route.Batch {
		return nil, nil, domain.NewError(http.StatusBadRequest, domain.CodeBatchInBatch, "A batch cannot contain another batch request.")
	}
	if m.Path != w.base && !strings.HasPrefix(m.Path, w.base+"/") {
		return nil, nil, domain.Errorf(http.StatusBadRequest, domain.CodeAcrossBoundary,
			"Only hrefs under %s are allowed in this batch.", w.base)
	}
	if m.Query.Get("dryRun") == "true" {
		return nil, nil, domain.NewError(http.StatusBadRequest, domain.CodeDryRunInBatch, "dryRun is only allowed on the batch itself.")
	}

	body, err := el.Payload()
	if err != nil {
		return nil, nil, err
	}

	req := &domain.Request{
		Path:        m.Path,
		Href:        el.Href,
		Verb:        el.Verb,
		Body:        body,
		Query:       m.Query,
		Params:      m.Params,
		Type:        m.Route.Type,
		BatchID:     w.outer.BatchID,
		IsBatchPart: true,
		DryRun:      w.outer.DryRun,
		Shared:      w.outer.Shared,
	}
	if w.outer.Header != nil {
		req.Header = w.outer.Header.Clone()
	}
	return m.Route, req, nil
}
