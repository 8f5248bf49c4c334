/*
Package observability exposes Prometheus metrics for the batch engine.

A nil *Metrics is valid and records nothing, so components can take one
unconditionally and callers that do not scrape metrics pass nothing.
*/
package observability
