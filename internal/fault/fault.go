// Package fault defines the runtime error taxonomy shared by every component.
//
// Components wrap these sentinels with fmt.Errorf("pkg: ...: %w", ...) so callers
// can classify failures with errors.Is regardless of how much context was added.
package fault

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidSessionState is returned when an append or transition targets a
	// session that is not active.
	ErrInvalidSessionState = errors.New("invalid session state")
	// ErrAmbiguousTransition is returned when two or more outgoing transitions
	// qualify with the same highest priority.
	ErrAmbiguousTransition = errors.New("ambiguous transition")
	ErrMissingParameter    = errors.New("missing parameter")
	ErrParameterTypeError  = errors.New("parameter type error")
	ErrToolTimeout         = errors.New("tool timeout")
	ErrToolAuth            = errors.New("tool auth error")
	ErrToolRateLimited     = errors.New("tool rate limited")
	ErrToolDisabled        = errors.New("tool disabled")
	// ErrToolFailed marks a backend failure that may succeed on retry.
	ErrToolFailed             = errors.New("tool failed")
	ErrMalformedWorkflowGraph = errors.New("malformed workflow graph")
	// ErrCacheMiss is internal to the converter and never surfaced to callers.
	ErrCacheMiss      = errors.New("cache miss")
	ErrInvalidJourney = errors.New("invalid journey")
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrInvalidSessionState, "invalid_session_state", http.StatusConflict},
	{ErrAmbiguousTransition, "ambiguous_transition", http.StatusConflict},
	{ErrMissingParameter, "missing_parameter", http.StatusUnprocessableEntity},
	{ErrParameterTypeError, "parameter_type_error", http.StatusUnprocessableEntity},
	{ErrToolTimeout, "tool_timeout", http.StatusGatewayTimeout},
	{ErrToolAuth, "tool_auth_error", http.StatusForbidden},
	{ErrToolRateLimited, "tool_rate_limited", http.StatusTooManyRequests},
	{ErrToolDisabled, "tool_disabled", http.StatusConflict},
	{ErrToolFailed, "tool_failed", http.StatusBadGateway},
	{ErrMalformedWorkflowGraph, "malformed_workflow_graph", http.StatusUnprocessableEntity},
	{ErrCacheMiss, "cache_miss", http.StatusInternalServerError},
	{ErrInvalidJourney, "invalid_journey", http.StatusUnprocessableEntity},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrInvalidInput, "invalid_input", http.StatusBadRequest},
}

// Code returns a stable machine-readable code for err, or "internal".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// HTTPStatus maps err onto the status code the API responds with.
func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Retryable reports whether err is transient. Validation and structural
// errors are deterministic and never retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrToolTimeout) ||
		errors.Is(err, ErrToolRateLimited) ||
		errors.Is(err, ErrToolFailed)
}
