package processor

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies processor failures. Kinds are part of the tool
// response contract: the router surfaces them verbatim to MCP clients.
type ErrorKind string

const (
	KindInvalidArguments      ErrorKind = "InvalidArguments"
	KindInvalidDurationFormat ErrorKind = "InvalidDurationFormat"
	KindInvalidRangeOrder     ErrorKind = "InvalidRangeOrder"
	KindMissingTimeRange      ErrorKind = "MissingTimeRange"
	KindUnresolvedVariable    ErrorKind = "UnresolvedVariableError"
	KindVariableResolution    ErrorKind = "VariableResolutionError"
	KindDashboardNotFound     ErrorKind = "DashboardNotFound"
	KindTooManyPanels         ErrorKind = "TooManyPanels"
	KindNoPanelsSpecified     ErrorKind = "NoPanelsSpecified"
	KindAuthError             ErrorKind = "AuthError"
	KindNetworkError          ErrorKind = "NetworkError"
	KindGrafanaAPIError       ErrorKind = "GrafanaApiError"
	KindResponseParseError    ErrorKind = "ResponseParseError"
	KindTimeout               ErrorKind = "Timeout"
	KindUnknownTool           ErrorKind = "UnknownTool"
)

// Error is the structured error returned by every processor operation.
// StatusCode is set for AuthError and GrafanaApiError.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// NewInvalidArguments reports a malformed or missing tool argument.
// Argument validation happens before any Grafana call.
func NewInvalidArguments(format string, args ...any) *Error {
	return newError(KindInvalidArguments, format, args...)
}

// statusError maps a non-2xx Grafana response to an Error. 401 and 403
// become AuthError on every operation, not only test_connection.
func statusError(code int, body string) *Error {
	if code == 401 || code == 403 {
		return &Error{Kind: KindAuthError, Message: fmt.Sprintf("authentication to Grafana failed (status %d): %s", code, body), StatusCode: code}
	}
	return &Error{Kind: KindGrafanaAPIError, Message: fmt.Sprintf("Grafana API returned status %d: %s", code, body), StatusCode: code}
}

// AsError normalizes any error into a *Error. Context deadline errors
// become Timeout; anything unclassified becomes NetworkError.
func AsError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(KindTimeout, err, "operation timed out")
	}
	return wrapError(KindNetworkError, err, "%s", err.Error())
}
