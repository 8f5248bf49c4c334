package batch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/aretw0/sheaf/pkg/adapters/memory"
	"github.com/aretw0/sheaf/pkg/batch"
	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvTx is a key/value transaction with savepoint-like nesting: a child's
// writes reach its parent only on commit.
type kvTx struct {
	mu     sync.Mutex
	parent *kvTx
	data   map[string]string
	order  []string

	// beginErr fails Begin; enforceErr fails EnforceConstraints of every
	// nested transaction.
	beginErr   error
	enforceErr error
}

func newKV() *kvTx {
	return &kvTx{data: map[string]string{}}
}

func (t *kvTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, value := args[0].(string), args[1].(string)
	t.data[key] = value
	t.order = append(t.order, key)
	return 1, nil
}

func (t *kvTx) Query(ctx context.Context, query string, args ...any) ([]ports.Row, error) {
	key := args[0].(string)
	for tx := t; tx != nil; tx = tx.parent {
		tx.mu.Lock()
		v, ok := tx.data[key]
		tx.mu.Unlock()
		if ok {
			return []ports.Row{{"value": v}}, nil
		}
	}
	return nil, nil
}

func (t *kvTx) Begin(ctx context.Context) (ports.Tx, error) {
	if t.beginErr != nil {
		return nil, t.beginErr
	}
	return &kvTx{parent: t, data: map[string]string{}, enforceErr: t.enforceErr}, nil
}

func (t *kvTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	for _, k := range t.order {
		t.parent.data[k] = t.data[k]
		t.parent.order = append(t.parent.order, k)
	}
	return nil
}

func (t *kvTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = map[string]string{}
	t.order = nil
	return nil
}

func (t *kvTx) DeferConstraints(ctx context.Context) error   { return nil }
func (t *kvTx) EnforceConstraints(ctx context.Context) error { return t.enforceErr }

func (t *kvTx) snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.data))
	for k, v := range t.data {
		out[k] = v
	}
	return out
}

type thing struct {
	Value string `json:"value"`
}

func putThing(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	var in thing
	if err := call.Request.Decode(&in); err != nil {
		return nil, err
	}
	if in.Value == "" {
		return nil, domain.NewError(http.StatusConflict, "value.missing", "value is required")
	}
	err := call.Phase.Do(ctx, func() error {
		_, err := call.Tx.Exec(ctx, "set", call.Request.Param("key"), in.Value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &domain.Result{Status: http.StatusCreated}, nil
}

func getThing(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	var rows []ports.Row
	err := call.Phase.Do(ctx, func() (err error) {
		rows, err = call.Tx.Query(ctx, "get", call.Request.Param("key"))
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.NewError(http.StatusNotFound, "not.found", "")
	}
	return &domain.Result{Status: http.StatusOK, Body: thing{Value: rows[0]["value"].(string)}}, nil
}

func forbidden(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	return nil, domain.NewError(http.StatusForbidden, "forbidden", "")
}

func crash(ctx context.Context, call *ports.Call) (*domain.Result, error) {
	return nil, errors.New("database on fire")
}

func newEngine(t *testing.T, hooks []ports.Hook, opts ...batch.Option) *batch.Engine {
	t.Helper()
	reg, err := route.NewRegistry([]route.Route{
		{Pattern: "/things/batch", Verb: http.MethodPut, Batch: true},
		{Pattern: "/batch", Verb: http.MethodPut, Batch: true},
		{Pattern: "/things/{key}", Verb: http.MethodPut, Type: "/things", Handler: putThing, Hooks: hooks},
		{Pattern: "/things/{key}", Verb: http.MethodGet, Type: "/things", Handler: getThing},
		{Pattern: "/secrets/{key}", Verb: http.MethodGet, Type: "/secrets", Handler: forbidden},
		{Pattern: "/broken", Verb: http.MethodGet, Type: "/broken", Handler: crash},
	})
	require.NoError(t, err)
	return batch.New(reg, opts...)
}

func put(key, value string) string {
	return fmt.Sprintf(`{"href":"/things/%s","verb":"PUT","body":{"value":%q}}`, key, value)
}

func get(key string) string {
	return fmt.Sprintf(`{"href":"/things/%s","verb":"GET"}`, key)
}

func list(items ...string) string {
	return "[" + strings.Join(items, ",") + "]"
}

func batchRequest(path, body string) *domain.Request {
	return &domain.Request{Path: path, Href: path, Verb: http.MethodPut, Body: json.RawMessage(body)}
}

func statuses(res *domain.Response) []int {
	out := make([]int, len(res.Body))
	for i, r := range res.Body {
		out[i] = r.Status
	}
	return out
}

func TestExecute_FlatBatch(t *testing.T) {
	eng := newEngine(t, nil)
	tx := newKV()

	res, err := eng.Execute(context.Background(), tx, batchRequest("/things/batch", list(put("a", "1"), put("b", "2"), get("a"))))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, []int{201, 201, 200}, statuses(res))
	assert.Equal(t, "/things/b", res.Body[1].Href)
	assert.Equal(t, "PUT", res.Body[1].Verb)
	assert.Equal(t, thing{Value: "1"}, res.Body[2].Body, "reads see earlier writes of the same group")
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, tx.snapshot())
}

func TestExecute_ForbiddenWins(t *testing.T) {
	eng := newEngine(t, nil)
	body := list(
		put("a", "1"),
		`{"href":"/secrets/x","verb":"GET"}`,
		`{"href":"/broken","verb":"GET"}`,
	)

	res, err := eng.Execute(context.Background(), newKV(), batchRequest("/batch", body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Equal(t, []int{201, 403, 500}, statuses(res))
	assert.Equal(t, domain.CodeInternal, res.Body[2].Body.(domain.ErrorBody).Errors[0].Code)
}

func TestExecute_HighestStatusWins(t *testing.T) {
	eng := newEngine(t, nil)
	res, err := eng.Execute(context.Background(), newKV(), batchRequest("/things/batch", list(put("a", "1"), get("missing"))))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestExecute_EmptyBatch(t *testing.T) {
	eng := newEngine(t, nil)
	res, err := eng.Execute(context.Background(), newKV(), batchRequest("/batch", "[]"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Empty(t, res.Body)
	assert.NotNil(t, res.Body)
}

func TestExecute_NotAnArray(t *testing.T) {
	eng := newEngine(t, nil)
	_, err := eng.Execute(context.Background(), newKV(), batchRequest("/batch", `{"href":"/things/a"}`))
	e, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.Equal(t, domain.CodeBodyInvalid, e.Code())
}

func TestExecute_TypeMix(t *testing.T) {
	eng := newEngine(t, nil)
	tx := newKV()
	res, err := eng.Execute(context.Background(), tx, batchRequest("/batch", list(put("a", "1"), list(put("b", "2")))))
	require.NoError(t, err)
	require.Len(t, res.Body, 1)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, domain.CodeTypeMix, res.Body[0].Body.(domain.ErrorBody).Errors[0].Code)
	assert.Empty(t, tx.snapshot(), "nothing runs")
}

func TestExecute_SublistsCommitIndependently(t *testing.T) {
	eng := newEngine(t, nil)
	tx := newKV()
	body := list(
		list(put("a", "1"), put("b", "2")),
		list(put("c", "3"), get("missing")),
		list(put("d", "4")),
	)

	res, err := eng.Execute(context.Background(), tx, batchRequest("/things/batch", body))
	require.NoError(t, err)

	assert.Equal(t, []int{201, 201, 201, 404, 201}, statuses(res))
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "d": "4"}, tx.snapshot())
}

func TestExecute_DeepNesting(t *testing.T) {
	eng := newEngine(t, nil)
	tx := newKV()
	body := list(
		list(
			list(put("a", "1")),
			list(put("b", "2"), `{"href":"/things/x","verb":"PUT","body":{}}`),
		),
		list(list(put("c", "3"))),
	)

	res, err := eng.Execute(context.Background(), tx, batchRequest("/batch", body))
	require.NoError(t, err)

	assert.Equal(t, []int{201, 201, 409, 201}, statuses(res))
	// The failing inner sublist poisons its parent sublist, which rolls back
	// the already committed sibling "a" as well.
	assert.Equal(t, map[string]string{"c": "3"}, tx.snapshot())
}

func hrefs(res *domain.Response) []string {
	out := make([]string, len(res.Body))
	for i, r := range res.Body {
		out[i] = r.Href
	}
	return out
}

func TestExecute_SublistCommitFailureFailsEveryResult(t *testing.T) {
	eng := newEngine(t, nil)
	tx := newKV()
	tx.enforceErr = domain.NewError(http.StatusConflict, domain.CodeConstraint, "dangling reference")

	body := list(
		list(put("a", "1"), put("b", "2")),
		list(list(put("c", "3")), list(put("d", "4"))),
	)
	res, err := eng.Execute(context.Background(), tx, batchRequest("/batch", body))
	require.NoError(t, err)

	assert.Equal(t, []int{409, 409, 409, 409}, statuses(res))
	assert.Equal(t, []string{"/things/a", "/things/b", "/things/c", "/things/d"}, hrefs(res))
	for _, r := range res.Body {
		assert.Equal(t, http.MethodPut, r.Verb)
		assert.Equal(t, domain.CodeConstraint, r.Body.(domain.ErrorBody).Errors[0].Code)
	}
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Empty(t, tx.snapshot())
}

func TestExecute_SublistBeginFailureKeepsResultCount(t *testing.T) {
	eng := newEngine(t, nil)
	tx := newKV()
	tx.beginErr = errors.New("no more savepoints")

	body := list(
		list(put("a", "1"), put("b", "2")),
		list(list(put("c", "3")), list(put("d", "4"), list(put("e", "5")))),
	)
	res, err := eng.Execute(context.Background(), tx, batchRequest("/batch", body))
	require.NoError(t, err)

	assert.Equal(t, []int{500, 500, 500, 500}, statuses(res))
	assert.Equal(t, []string{"/things/a", "/things/b", "/things/c", ""}, hrefs(res), "the invalid node yields one result without href")
	assert.Empty(t, tx.snapshot())
}

func TestExecute_ElementResolutionErrors(t *testing.T) {
	eng := newEngine(t, nil)
	tests := []struct {
		name    string
		element string
		status  int
		code    string
	}{
		{"missing verb", `{"href":"/things/a"}`, 400, domain.CodeVerbMissing},
		{"no route", `{"href":"/nowhere","verb":"GET"}`, 404, domain.CodeNoMatchingRoute},
		{"batch in batch", `{"href":"/things/batch","verb":"PUT","body":[]}`, 400, domain.CodeBatchInBatch},
		{"across boundary", `{"href":"/secrets/a","verb":"GET"}`, 400, domain.CodeAcrossBoundary},
		{"dry run", `{"href":"/things/a?dryRun=true","verb":"GET"}`, 400, domain.CodeDryRunInBatch},
		{"bad body", `{"href":"/things/a","verb":"PUT","body":"{not json"}`, 400, domain.CodeElementBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := newKV()
			res, err := eng.Execute(context.Background(), tx, batchRequest("/things/batch", list(put("ok", "1"), tt.element)))
			require.NoError(t, err)
			require.Len(t, res.Body, 2)

			assert.Equal(t, http.StatusBadRequest, res.Body[0].Status)
			assert.Equal(t, domain.CodeElementSkipped, res.Body[0].Body.(domain.ErrorBody).Errors[0].Code)
			assert.Equal(t, "/things/ok", res.Body[0].Href)
			assert.Equal(t, tt.status, res.Body[1].Status)
			assert.Equal(t, tt.code, res.Body[1].Body.(domain.ErrorBody).Errors[0].Code)
			assert.Equal(t, tt.status, res.Status)
			assert.Empty(t, tx.snapshot(), "nothing in the group runs")
		})
	}
}

func TestExecute_InvalidElementSkipsOnlyItsGroup(t *testing.T) {
	var hooked []string
	var mu sync.Mutex
	record := func(ctx context.Context, tx ports.Tx, req *domain.Request, res *domain.Result) error {
		mu.Lock()
		defer mu.Unlock()
		hooked = append(hooked, req.Param("key"))
		return nil
	}
	eng := newEngine(t, []ports.Hook{record})
	tx := newKV()

	body := list(
		list(put("a", "1"), `{"href":"/nowhere","verb":"PUT"}`, put("b", "2")),
		list(put("c", "3")),
	)
	res, err := eng.Execute(context.Background(), tx, batchRequest("/batch", body))
	require.NoError(t, err)

	assert.Equal(t, []int{400, 404, 400, 201}, statuses(res))
	assert.Equal(t, http.StatusNotFound, res.Status, "skipped siblings never outrank the real failure")
	assert.Equal(t, []string{"c"}, hooked)
	assert.Equal(t, map[string]string{"c": "3"}, tx.snapshot())
}

func TestExecute_StringBodyIsParsed(t *testing.T) {
	eng := newEngine(t, nil)
	tx := newKV()
	_, err := eng.Execute(context.Background(), tx, batchRequest("/batch", `[{"href":"/things/a","verb":"PUT","body":"{\"value\":\"s\"}"}]`))
	require.NoError(t, err)
	assert.Equal(t, "s", tx.snapshot()["a"])
}

func TestExecute_OrderIndependentOfConcurrency(t *testing.T) {
	items := make([]string, 25)
	for i := range items {
		items[i] = put(fmt.Sprintf("k%02d", i), fmt.Sprint(i))
	}
	want := make([]string, len(items))
	for i := range want {
		want[i] = fmt.Sprintf("k%02d", i)
	}

	for _, c := range []int{1, 3, 8, 64} {
		t.Run(fmt.Sprintf("concurrency=%d", c), func(t *testing.T) {
			eng := newEngine(t, nil, batch.WithConcurrency(c))
			tx := newKV()
			res, err := eng.Execute(context.Background(), tx, batchRequest("/things/batch", list(items...)))
			require.NoError(t, err)
			require.Len(t, res.Body, len(items))
			for i, r := range res.Body {
				assert.Equal(t, want[i], strings.TrimPrefix(r.Href, "/things/"))
			}
			assert.Equal(t, want, tx.order, "writes reach the transaction in submission order")
		})
	}
}

func TestExecute_IdempotentReads(t *testing.T) {
	eng := newEngine(t, nil)
	tx := newKV()
	_, err := eng.Execute(context.Background(), tx, batchRequest("/batch", list(put("a", "1"))))
	require.NoError(t, err)

	body := list(get("a"), get("a"), get("missing"))
	first, err := eng.Execute(context.Background(), tx, batchRequest("/batch", body))
	require.NoError(t, err)
	second, err := eng.Execute(context.Background(), tx, batchRequest("/batch", body))
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, statuses(first), statuses(second))
}

func TestExecute_Hooks(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	stamp := func(ctx context.Context, tx ports.Tx, req *domain.Request, res *domain.Result) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, req.Param("key"))
		if req.Param("key") == "veto" {
			return domain.NewError(http.StatusConflict, "vetoed", "")
		}
		res.Body = map[string]string{"permalink": req.Path}
		return nil
	}
	eng := newEngine(t, []ports.Hook{stamp})

	res, err := eng.Execute(context.Background(), newKV(), batchRequest("/batch", list(put("a", "1"), put("veto", "2"), put("c", ""))))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "veto"}, seen, "hooks run in order, only for fulfilled elements")
	assert.Equal(t, map[string]string{"permalink": "/things/a"}, res.Body[0].Body)
	assert.Equal(t, http.StatusConflict, res.Body[1].Status)
	assert.Equal(t, "/things/veto", res.Body[1].Href)
	assert.Equal(t, http.StatusConflict, res.Body[2].Status)
}

func TestExecute_HookPanicBecomesInternalError(t *testing.T) {
	boom := func(ctx context.Context, tx ports.Tx, req *domain.Request, res *domain.Result) error {
		if req.Param("key") == "b" {
			panic("hook boom")
		}
		return nil
	}
	eng := newEngine(t, []ports.Hook{boom})

	var res *domain.Response
	require.NotPanics(t, func() {
		var err error
		res, err = eng.Execute(context.Background(), newKV(), batchRequest("/batch", list(put("a", "1"), put("b", "2"))))
		require.NoError(t, err)
	})

	assert.Equal(t, []int{201, 500}, statuses(res))
	errBody := res.Body[1].Body.(domain.ErrorBody)
	assert.Equal(t, domain.CodeInternal, errBody.Errors[0].Code)
	assert.Contains(t, errBody.Errors[0].Msg, "hook panicked: hook boom")
	assert.Equal(t, "/things/b", res.Body[1].Href)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
}

func TestExecute_SharedState(t *testing.T) {
	reg, err := route.NewRegistry([]route.Route{
		{Pattern: "/count", Verb: http.MethodPost, Type: "/count", Handler: func(ctx context.Context, call *ports.Call) (*domain.Result, error) {
			assert.True(t, call.Request.IsBatchPart)
			assert.NotEmpty(t, call.Request.BatchID)
			assert.Equal(t, "yes", call.Request.Header.Get("X-Test"))
			call.Request.Shared.Update("n", func(old any) any {
				n, _ := old.(int)
				return n + 1
			})
			return nil, nil
		}},
	})
	require.NoError(t, err)
	eng := batch.New(reg)

	req := batchRequest("/batch", list(`{"href":"/count","verb":"POST"}`, `{"href":"/count","verb":"POST"}`))
	req.Header = http.Header{"X-Test": []string{"yes"}}
	_, err = eng.Execute(context.Background(), newKV(), req)
	require.NoError(t, err)

	n, _ := req.Shared.Get("n")
	assert.Equal(t, 2, n)
}

type recordingGate struct {
	ports.Gate
	weights []int
}

func (g *recordingGate) Acquire(ctx context.Context, weight int) (ports.Token, error) {
	g.weights = append(g.weights, weight)
	return g.Gate.Acquire(ctx, weight)
}

func TestExecute_AdmissionWeight(t *testing.T) {
	inner := memory.NewGate(16)
	gate := &recordingGate{Gate: inner}
	eng := newEngine(t, nil, batch.WithGate(gate), batch.WithConcurrency(3))

	_, err := eng.Execute(context.Background(), newKV(), batchRequest("/batch", list(put("a", "1"), put("b", "2"))))
	require.NoError(t, err)
	_, err = eng.Execute(context.Background(), newKV(), batchRequest("/batch", list(list(put("a", "1")), list(put("b", "1"), put("c", "1"), put("d", "1"), put("e", "1")))))
	require.NoError(t, err)
	_, err = eng.Execute(context.Background(), newKV(), batchRequest("/batch", "[]"))
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3, 1}, gate.weights)
	assert.Zero(t, inner.InFlight(), "every grant is released")
}

func TestServe_SingleRequest(t *testing.T) {
	eng := newEngine(t, nil)
	tx := newKV()

	m, err := eng.Routes().Match("/things/a", http.MethodPut)
	require.NoError(t, err)
	req := &domain.Request{Path: m.Path, Href: "/things/a", Verb: http.MethodPut, Params: m.Params, Body: json.RawMessage(`{"value":"1"}`)}

	res := eng.Serve(context.Background(), tx, m.Route, req)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, "/things/a", res.Href)
	assert.Equal(t, "1", tx.snapshot()["a"])

	m, err = eng.Routes().Match("/broken", http.MethodGet)
	require.NoError(t, err)
	res = eng.Serve(context.Background(), tx, m.Route, &domain.Request{Path: "/broken", Href: "/broken", Verb: http.MethodGet})
	assert.Equal(t, http.StatusInternalServerError, res.Status)
}
