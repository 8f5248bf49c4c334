package ledger

import (
	"net/http"

	"github.com/aretw0/sheaf/pkg/ports"
	"github.com/aretw0/sheaf/pkg/route"
)

// Routes returns the ledger routes. Batch and schema endpoints come before
// the keyed routes so that "/persons/batch" is never taken for a person key.
func Routes() []route.Route {
	var routes []route.Route
	for _, path := range []string{"/batch", PersonsType + "/batch", TransactionsType + "/batch"} {
		routes = append(routes,
			route.Route{Pattern: path, Verb: http.MethodPut, Batch: true},
			route.Route{Pattern: path, Verb: http.MethodPost, Batch: true},
		)
	}

	hooks := []ports.Hook{Permalink}
	return append(routes,
		route.Route{Pattern: PersonsType, Verb: http.MethodGet, Type: PersonsType, Handler: ListPersons},
		route.Route{Pattern: PersonsType + "/schema", Verb: http.MethodGet, Type: PersonsType, Handler: Describe(PersonSchema)},
		route.Route{Pattern: PersonsType + "/{key}", Verb: http.MethodGet, Type: PersonsType, Handler: GetPerson, Hooks: hooks},
		route.Route{Pattern: PersonsType + "/{key}", Verb: http.MethodPut, Type: PersonsType, Handler: PutPerson, Hooks: hooks},
		route.Route{Pattern: PersonsType + "/{key}", Verb: http.MethodDelete, Type: PersonsType, Handler: DeletePerson},
		route.Route{Pattern: TransactionsType, Verb: http.MethodGet, Type: TransactionsType, Handler: ListTransactions},
		route.Route{Pattern: TransactionsType + "/schema", Verb: http.MethodGet, Type: TransactionsType, Handler: Describe(TransactionSchema)},
		route.Route{Pattern: TransactionsType + "/{key}", Verb: http.MethodGet, Type: TransactionsType, Handler: GetTransaction, Hooks: hooks},
		route.Route{Pattern: TransactionsType + "/{key}", Verb: http.MethodPut, Type: TransactionsType, Handler: PutTransaction, Hooks: hooks},
	)
}
