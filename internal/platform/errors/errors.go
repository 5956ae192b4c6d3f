// Package errors provides typed errors that know their HTTP status and JSON shape.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	TypeValidation   ErrorType = "validation"
	TypeNotFound     ErrorType = "not_found"
	TypeConflict     ErrorType = "conflict"
	TypeUnauthorized ErrorType = "unauthorized"
	TypeUnavailable  ErrorType = "unavailable"
	TypeRateLimited  ErrorType = "rate_limited"
	TypeInternal     ErrorType = "internal"
)

// Error is a client-facing failure. Message is safe to return to callers;
// Cause is only logged.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeUnauthorized:
		return http.StatusUnauthorized
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	case TypeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func New(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message, Context: make(map[string]any)}
}

func Wrap(t ErrorType, message string, cause error) *Error {
	e := New(t, message)
	e.Cause = cause
	return e
}

func ValidationError(message string) *Error   { return New(TypeValidation, message) }
func NotFoundError(message string) *Error     { return New(TypeNotFound, message) }
func ConflictError(message string) *Error     { return New(TypeConflict, message) }
func UnauthorizedError(message string) *Error { return New(TypeUnauthorized, message) }

func UnavailableError(message string, cause error) *Error {
	return Wrap(TypeUnavailable, message, cause)
}

func InternalError(message string, cause error) *Error {
	return Wrap(TypeInternal, message, cause)
}

// WithContext adds a field to the response body (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	ctx := e.Context
	if len(ctx) == 0 {
		ctx = nil
	}
	return ErrorResponse{Error: e.Message, Type: e.Type, Context: ctx}
}

// Rule maps a sentinel (matched with errors.Is) to a client-facing error.
// An empty Message exposes the matched error's own text.
type Rule struct {
	Target  error
	Type    ErrorType
	Message string
}

// Translate returns err as a structured Error. An *Error anywhere in the chain
// wins, then the first matching rule, otherwise an internal error.
func Translate(err error, rules ...Rule) *Error {
	if err == nil {
		return nil
	}

	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}

	for _, r := range rules {
		if errors.Is(err, r.Target) {
			message := r.Message
			if message == "" {
				message = err.Error()
			}
			return Wrap(r.Type, message, err)
		}
	}

	return InternalError("internal server error", err)
}

// FromStatus converts a bare HTTP status (e.g. from framework middleware) into
// the matching error type.
func FromStatus(status int, message string) *Error {
	var t ErrorType
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		t = TypeValidation
	case http.StatusNotFound:
		t = TypeNotFound
	case http.StatusConflict:
		t = TypeConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		t = TypeUnauthorized
	case http.StatusTooManyRequests:
		t = TypeRateLimited
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		t = TypeUnavailable
	default:
		t = TypeInternal
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return New(t, message)
}
