package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Connection and client errors.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNoConnectivity  = errors.New("no network connectivity")
	ErrSerialization   = errors.New("malformed frame")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Server-side errors, mapped from HTTP-like status codes.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrTooManyRequests = errors.New("too many requests")
	ErrTimeout         = errors.New("request timed out")
	ErrServer          = errors.New("server error")
	ErrUnknown         = errors.New("unknown error")
)

// NetworkError is a classified failure from the socket or the REST API.
// Kind is one of the sentinels above, so errors.Is matches on it.
type NetworkError struct {
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.StatusCode)
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *NetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// New builds a NetworkError of the given kind wrapping cause.
func New(kind error, message string, cause error) *NetworkError {
	return &NetworkError{Kind: kind, Message: message, Err: cause}
}

// FromStatus maps an HTTP-like status code to the error taxonomy.
func FromStatus(code int, message string) *NetworkError {
	return &NetworkError{Kind: KindForStatus(code), StatusCode: code, Message: message}
}

// KindForStatus returns the sentinel a status code maps to.
func KindForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case code == http.StatusTooManyRequests:
		return ErrTooManyRequests
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return ErrTimeout
	case code >= 500 && code <= 599:
		return ErrServer
	default:
		return ErrUnknown
	}
}
