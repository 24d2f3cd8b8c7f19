package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoEndpoints is returned when the registry is empty.
var ErrNoEndpoints = errors.New("no rpc endpoints configured")

// RPCError is the JSON-RPC 2.0 error object, including the structured
// name/cause fields NEAR nodes attach to it.
type RPCError struct {
	Name    string          `json:"name,omitempty"`
	Cause   *ErrorCause     `json:"cause,omitempty"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorCause carries the server-side failure detail, e.g.
// {"name": "UNKNOWN_TRANSACTION"}.
type ErrorCause struct {
	Name string          `json:"name,omitempty"`
	Info json.RawMessage `json:"info,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Cause != nil && e.Cause.Name != "" {
		return fmt.Sprintf("rpc error %s/%s (code %d): %s", e.Name, e.Cause.Name, e.Code, e.Message)
	}
	if e.Name != "" {
		return fmt.Sprintf("rpc error %s (code %d): %s", e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error (code %d): %s", e.Code, e.Message)
}

// CauseName returns the structured cause name, or "" when absent.
func (e *RPCError) CauseName() string {
	if e.Cause == nil {
		return ""
	}
	return e.Cause.Name
}

// HTTPError represents a non-2xx response from an endpoint.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected http status %s", e.Status)
}

// MaxAttemptsError is the terminal failure after the global attempt budget
// across all endpoints has been spent.
type MaxAttemptsError struct {
	Attempts int
	LastErr  error
}

func (e *MaxAttemptsError) Error() string {
	return fmt.Sprintf("rpc call failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *MaxAttemptsError) Unwrap() error {
	return e.LastErr
}
