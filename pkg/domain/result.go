package domain

import "net/http"

// Result is the uniform outcome of one batch element (or of a single request).
type Result struct {
	Href    string            `json:"href,omitempty"`
	Verb    string            `json:"verb,omitempty"`
	Status  int               `json:"status"`
	Body    any               `json:"body,omitempty"`
	Headers map[string]string `json:"-"`
}

// OK reports whether the result has a success status (below 300).
func (r *Result) OK() bool {
	return r.Status < http.StatusMultipleChoices
}

// Response is the aggregated outcome of a batch request.
type Response struct {
	Status int       `json:"status"`
	Body   []*Result `json:"body"`
}

// OverallStatus computes the status of a whole batch: 403 as soon as one
// result is 403, otherwise the highest status with a floor of 200.
func OverallStatus(results []*Result) int {
	status := http.StatusOK
	for _, r := range results {
		if r.Status == http.StatusForbidden {
			return http.StatusForbidden
		}
		if r.Status > status {
			status = r.Status
		}
	}
	return status
}

// AllSucceeded reports whether every result has a success status.
// An empty set counts as success.
func AllSucceeded(results []*Result) bool {
	for _, r := range results {
		if !r.OK() {
			return false
		}
	}
	return true
}
