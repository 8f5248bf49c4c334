package ledger

import (
	"context"
	"net/http"
	"strings"

	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/schema"
	"github.com/google/uuid"
)

const (
	PersonsType      = "/persons"
	TransactionsType = "/transactions"
)

// Ref is a reference to another resource, e.g. {"href": "/persons/<key>"}.
type Ref struct {
	Href string `json:"href"`
}

// key validates the {key} path parameter.
func key(req *domain.Request) (string, error) {
	k := req.Param("key")
	if _, err := uuid.Parse(k); err != nil {
		return "", domain.Errorf(http.StatusBadRequest, "key.invalid", "Key %q is not a valid GUID.", k)
	}
	return k, nil
}

// bodyKey rejects a body whose key disagrees with the path.
func bodyKey(pathKey, body string) error {
	if body != "" && body != pathKey {
		return domain.NewError(http.StatusBadRequest, "key.mismatch", "Key in body does not match the key in the path.")
	}
	return nil
}

// refKey returns the key referenced by ref, which must point into typ.
func refKey(field string, ref Ref, typ string) (string, error) {
	rest, ok := strings.CutPrefix(ref.Href, typ+"/")
	if !ok || strings.Contains(rest, "/") {
		return "", domain.Errorf(http.StatusBadRequest, "reference.invalid",
			"Faulty reference detected [%s] in %s, expected [%s].", ref.Href, field, typ)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return "", domain.Errorf(http.StatusBadRequest, "reference.invalid", "Reference %s in %s has an invalid key.", ref.Href, field)
	}
	return rest, nil
}

func notFound() error {
	return domain.NewError(http.StatusNotFound, "not.found", "")
}

// selectOne reads a row by key inside a resource phase.
func selectOne(ctx context.Context, call *ports.Call, query, k string) (ports.Row, error) {
	var rows []ports.Row
	err := call.Phase.Do(ctx, func() (err error) {
		rows, err = call.Tx.Query(ctx, query, k)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, notFound()
	}
	return rows[0], nil
}

// list reads every row of typ inside a resource phase.
func list(ctx context.Context, call *ports.Call, query, typ string, expand func(ports.Row) map[string]any) (*domain.Result, error) {
	var rows []ports.Row
	err := call.Phase.Do(ctx, func() (err error) {
		rows, err = call.Tx.Query(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		results = append(results, map[string]any{
			"href":       typ + "/" + toString(row["key"]),
			"$$expanded": expand(row),
		})
	}
	return &domain.Result{
		Status: http.StatusOK,
		Body: map[string]any{
			"$$meta":  map[string]any{"count": len(results)},
			"results": results,
		},
	}, nil
}

// Describe serves the JSON Schema of a resource body.
func Describe(obj schema.Object) ports.Handler {
	return func(ctx context.Context, call *ports.Call) (*domain.Result, error) {
		return &domain.Result{Status: http.StatusOK, Body: obj}, nil
	}
}

// Permalink stamps "$$meta.permalink" on the body of a fulfilled request.
func Permalink(ctx context.Context, tx ports.Tx, req *domain.Request, res *domain.Result) error {
	if !res.OK() {
		return nil
	}
	body, ok := res.Body.(map[string]any)
	if !ok {
		if res.Body != nil {
			return nil
		}
		body = map[string]any{}
		res.Body = body
	}
	meta, _ := body["$$meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
		body["$$meta"] = meta
	}
	meta["permalink"] = req.Path
	return nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
