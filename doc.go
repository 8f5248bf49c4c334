/*
Package sheaf executes batches of REST-style requests atomically.

A batch is a JSON array posted to a batch endpoint such as "/batch" or
"/persons/batch". Each element names an href, a verb and an optional body:

	[
	  {"href": "/persons/6a8b...", "verb": "PUT", "body": {"firstname": "Ada", "lastname": "Lovelace"}},
	  {"href": "/persons/71c2...", "verb": "PUT", "body": {"firstname": "Alan", "lastname": "Turing"}}
	]

Elements of one array run concurrently inside the request transaction. An
array of arrays runs every sub-array in a nested transaction that commits
only when all its elements succeed. The response carries one result per
element, in order, and an overall status; the request transaction is
committed only when that status is below 300.

# Usage

	db, _ := sqlite.Open(ctx, "sheaf.db")
	routes, _ := route.NewRegistry([]route.Route{
		{Pattern: "/batch", Verb: "PUT", Batch: true},
		{Pattern: "/persons/{key}", Verb: "PUT", Type: "/persons", Handler: putPerson},
	})

	svc := sheaf.New(db, routes, sheaf.WithGate(memory.NewGate(64)))
	res, err := svc.Batch(ctx, &domain.Request{Path: "/batch", Verb: "PUT", Body: body})

Handlers access the shared transaction only inside resource phases
(ports.Phaser), which the engine grants in submission order.
*/
package sheaf
