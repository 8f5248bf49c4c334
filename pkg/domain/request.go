package domain

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Request is the request handed to a route handler. For batch elements it is
// synthesized from the element and the outer batch request.
type Request struct {
	Path        string
	Href        string
	Verb        string
	Body        json.RawMessage
	Query       url.Values
	Params      map[string]string
	Type        string
	Header      http.Header
	BatchID     string
	IsBatchPart bool
	DryRun      bool
	Shared      *SharedState
}

// Param returns a path parameter bound by the route pattern.
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// Decode maps the JSON body onto v, honouring `json` struct tags.
// A missing body or a shape mismatch is a 400 error.
func (r *Request) Decode(v any) error {
	if len(r.Body) == 0 {
		return NewError(http.StatusBadRequest, CodeElementBody, "A body is required.")
	}

	var raw any
	if err := json.Unmarshal(r.Body, &raw); err != nil {
		return Errorf(http.StatusBadRequest, CodeElementBody, "Body is not valid JSON: %v", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  v,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return Errorf(http.StatusBadRequest, CodeElementBody, "Body does not match the resource: %v", err)
	}
	return nil
}

// SharedState is the per-batch context shared by every element of one batch.
// Hooks and handlers use it to coordinate. Safe for concurrent use.
type SharedState struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewSharedState creates an empty SharedState.
func NewSharedState() *SharedState {
	return &SharedState{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *SharedState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value under key.
func (s *SharedState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Update atomically replaces the value under key with fn(old).
func (s *SharedState) Update(key string, fn func(old any) any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = fn(s.values[key])
}
