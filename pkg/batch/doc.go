/*
Package batch executes batches of REST-style requests inside one transaction.

A batch body is a JSON array. An array of objects is a group of elements that
run concurrently on the caller's transaction; an array of arrays is a list of
sublists, each run one after the other on its own nested transaction which
commits only when all of its results succeed.

Elements of a group may run concurrently, but every access to the shared
transaction happens inside a resource phase (see ports.Phaser). Phases never
overlap and for each phase number they are granted in submission order, so
the transaction observes the same statement order whatever the concurrency.

Every element yields exactly one result, in input order, and the batch status
is derived from them with domain.OverallStatus.
*/
package batch
