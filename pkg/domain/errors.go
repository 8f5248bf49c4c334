package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes reported inside batch results.
const (
	CodeBodyInvalid     = "batch.body.invalid"
	CodeTypeMix         = "batch.invalid.type.mix"
	CodeElementInvalid  = "batch.element.invalid"
	CodeVerbMissing     = "verb.missing"
	CodeNoMatchingRoute = "no.matching.route"
	CodeBatchInBatch    = "batch.not.allowed.in.batch"
	CodeAcrossBoundary  = "href.across.boundary"
	CodeDryRunInBatch   = "dry.run.not.allowed.in.batch"
	CodeElementBody     = "body.invalid"
	CodeElementSkipped  = "batch.element.skipped"
	CodeConstraint      = "constraint.violation"
	CodeInternal        = "internal.server.error"
)

// DefaultErrorType is used for details that do not set a type.
const DefaultErrorType = "ERROR"

// DefaultErrorStatus is used for errors that do not set a status.
const DefaultErrorStatus = http.StatusInternalServerError

// ErrorDetail is one machine readable entry of an Error.
type ErrorDetail struct {
	Code string `json:"code"`
	Msg  string `json:"msg,omitempty"`
	Type string `json:"type"`
	Body any    `json:"body,omitempty"`
}

// Error is an application error carrying the HTTP-like status it maps to.
// Handlers return it to produce a non-2xx result; any other error becomes
// an internal error result.
type Error struct {
	Status  int               `json:"status"`
	Errors  []ErrorDetail     `json:"errors"`
	Headers map[string]string `json:"-"`
}

// NewError builds an Error with a single detail.
func NewError(status int, code, msg string) *Error {
	return &Error{
		Status: status,
		Errors: []ErrorDetail{{Code: code, Msg: msg, Type: DefaultErrorType}},
	}
}

// Errorf builds an Error with a formatted message.
func Errorf(status int, code, format string, args ...any) *Error {
	return NewError(status, code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	codes := make([]string, 0, len(e.Errors))
	for _, d := range e.Errors {
		if d.Msg != "" {
			codes = append(codes, d.Code+": "+d.Msg)
		} else {
			codes = append(codes, d.Code)
		}
	}
	return fmt.Sprintf("status %d: %s", e.Status, strings.Join(codes, "; "))
}

// Code returns the code of the first detail, or "" when there is none.
func (e *Error) Code() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Code
}

// Result projects the error into a batch result body.
func (e *Error) Result() *Result {
	details := make([]ErrorDetail, len(e.Errors))
	for i, d := range e.Errors {
		if d.Type == "" {
			d.Type = DefaultErrorType
		}
		details[i] = d
	}
	status := e.Status
	if status == 0 {
		status = DefaultErrorStatus
	}
	return &Result{
		Status:  status,
		Body:    ErrorBody{Errors: details, Status: status},
		Headers: e.Headers,
	}
}

// ErrorBody is the JSON shape of an error result body.
type ErrorBody struct {
	Errors []ErrorDetail `json:"errors"`
	Status int           `json:"status"`
}

// AsError extracts an *Error from err. The boolean is false for any other error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Internal wraps an unexpected error into a 500 Error.
func Internal(err error) *Error {
	return Errorf(http.StatusInternalServerError, CodeInternal, "Internal Server Error. [%v]", err)
}

// Normalize converts any error into an *Error, keeping application errors as is.
func Normalize(err error) *Error {
	if e, ok := AsError(err); ok {
		return e
	}
	return Internal(err)
}
