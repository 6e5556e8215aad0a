package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable error class sent to clients.
// Clients switch on the code, never on the human-readable error string.
type Code string

const (
	CodeOK              Code = "ok"
	CodeSchema          Code = "schema"
	CodeConstraint      Code = "constraint"
	CodeConflict        Code = "conflict"
	CodeRequired        Code = "required"
	CodeReference       Code = "reference"
	CodeUnauthenticated Code = "unauthenticated"
	CodeForbidden       Code = "forbidden"
	CodeExpired         Code = "expired"
	CodeSignature       Code = "signature"
	CodeInternal        Code = "internal"
)

// Status is one diagnostic attached to a field.
type Status struct {
	Code  Code   `json:"code"`
	Error string `json:"error,omitempty"`
}

// Error is a structured API error: a top-level code plus per-field
// diagnostics. The wire shape is
//
//	{"code": "constraint", "errors": {"packets": [{"code": "constraint", "error": "…"}]}}
//
// Field diagnostics let a client highlight the exact offending input
// instead of showing a generic failure banner.
type Error struct {
	Code   Code                `json:"code"`
	Fields map[string][]Status `json:"errors,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return string(e.Code)
	}
	for field, statuses := range e.Fields {
		if len(statuses) > 0 && statuses[0].Error != "" {
			return fmt.Sprintf("%s: %s: %s", e.Code, field, statuses[0].Error)
		}
		return fmt.Sprintf("%s: %s", e.Code, field)
	}
	return string(e.Code)
}

// New builds a single-field error. detail may be empty.
func New(code Code, field, detail string) *Error {
	e := &Error{Code: code}
	if field != "" {
		e.Fields = map[string][]Status{
			field: {{Code: code, Error: detail}},
		}
	}
	return e
}

func Required(field string) *Error {
	return New(CodeRequired, field, "")
}

func Reference(field, detail string) *Error {
	return New(CodeReference, field, detail)
}

func Constraint(field, detail string) *Error {
	return New(CodeConstraint, field, detail)
}

func Internal() *Error {
	return &Error{Code: CodeInternal}
}

// From unwraps err into an *Error if one is in the chain.
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps an error code to the HTTP status used for its response.
func HTTPStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeSchema, CodeConstraint, CodeRequired:
		return http.StatusUnprocessableEntity
	case CodeConflict:
		return http.StatusConflict
	case CodeReference:
		return http.StatusNotFound
	case CodeUnauthenticated, CodeExpired, CodeSignature:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
