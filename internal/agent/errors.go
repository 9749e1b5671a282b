package agent

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes surfaced to clients, over HTTP and as subscription error
// frames.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeAgentExists      = "AGENT_EXISTS"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error is a protocol error with a stable code and an HTTP status.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status maps the error code to its HTTP status.
func (e *Error) Status() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAgentExists:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// Frame renders the error as the wire envelope {code, message, details?,
// timestamp}.
func (e *Error) Frame() map[string]any {
	frame := map[string]any{
		"code":      e.Code,
		"message":   e.Message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if e.Details != "" {
		frame["details"] = e.Details
	}
	return frame
}

func validationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func internalError(err error) *Error {
	return &Error{Code: CodeInternal, Message: "unexpected condition", Details: err.Error()}
}

// AsError extracts a protocol *Error from err, wrapping unknown errors as
// INTERNAL_ERROR.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return internalError(err)
}

// ErrDraining rejects work submitted during shutdown.
var ErrDraining = &Error{Code: CodeInternal, Message: "agent is shutting down"}
