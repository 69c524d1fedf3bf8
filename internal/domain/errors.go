// Package domain provides the core types and canonical error taxonomy for the
// session engine.
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType is the category of an engine error. It decides how a failure is
// handled: configuration errors are fatal at load, client errors are never
// retried, transient errors are eligible for bounded retry by the caller.
type ErrorType string

const (
	// ErrorTypeConfiguration indicates a malformed workflow or service
	// configuration. Fatal at load time, never recovered silently.
	ErrorTypeConfiguration ErrorType = "configuration"

	// ErrorTypeNotFound indicates a named resource does not exist.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeClient indicates a request the caller must fix before retrying.
	ErrorTypeClient ErrorType = "client"

	// ErrorTypeConflict indicates the request contradicts existing state.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeTransient indicates a failure the caller may retry with backoff.
	ErrorTypeTransient ErrorType = "transient"

	// ErrorTypeInternal indicates an unexpected engine failure.
	ErrorTypeInternal ErrorType = "internal"
)

// ReasonCode identifies the specific failure so callers can remediate
// programmatically instead of parsing messages.
type ReasonCode string

const (
	ReasonUnknownWorkflow   ReasonCode = "unknown_workflow"
	ReasonUnknownScenario   ReasonCode = "unknown_scenario"
	ReasonInvalidDay        ReasonCode = "invalid_day"
	ReasonRequirementNotMet ReasonCode = "requirement_not_met"
	ReasonToolNotAvailable  ReasonCode = "tool_not_available"
	ReasonSessionClosed     ReasonCode = "session_closed"
	ReasonSessionNotFound   ReasonCode = "session_not_found"
	ReasonWorkflowMismatch  ReasonCode = "workflow_mismatch"
	ReasonEngineTimeout     ReasonCode = "engine_timeout"
	ReasonInvalidSpec       ReasonCode = "invalid_workflow_spec"
	ReasonInvalidRequest    ReasonCode = "invalid_request"
	ReasonDeliveryExhausted ReasonCode = "delivery_exhausted"
)

// Error is the canonical typed error returned by the engine. Every failure is
// typed and surfaced, never defaulted or swallowed.
type Error struct {
	// Type is the handling category of the error.
	Type ErrorType `json:"type"`

	// Reason is the machine-readable failure code.
	Reason ReasonCode `json:"reason"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Missing itemizes unmet session requirements (merchant, scenario,
	// authentication) when Reason is requirement_not_met.
	Missing []string `json:"missing,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s (%s): %s [missing: %s]", e.Type, e.Reason, e.Message, strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the HTTP status the error maps to at the API surface.
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeClient:
		return http.StatusBadRequest
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTransient:
		return http.StatusServiceUnavailable
	case ErrorTypeConfiguration, ErrorTypeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the failed operation.
func (e *Error) Retryable() bool {
	return e.Type == ErrorTypeTransient
}

// AsError extracts a *Error from err's chain, if present.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// NewError creates a typed engine error.
func NewError(errType ErrorType, reason ReasonCode, message string) *Error {
	return &Error{Type: errType, Reason: reason, Message: message}
}

// Convenience constructors for the failures defined by the engine contract.

// ErrUnknownWorkflow reports a workflow name absent from the registry.
func ErrUnknownWorkflow(name string) *Error {
	return NewError(ErrorTypeNotFound, ReasonUnknownWorkflow, fmt.Sprintf("workflow %q is not defined", name))
}

// ErrUnknownScenario reports a scenario tag the simulator does not model.
func ErrUnknownScenario(tag string) *Error {
	return NewError(ErrorTypeClient, ReasonUnknownScenario, fmt.Sprintf("scenario %q is not defined", tag))
}

// ErrInvalidDay reports a day offset outside the simulated range.
func ErrInvalidDay(day, max int) *Error {
	return NewError(ErrorTypeClient, ReasonInvalidDay, fmt.Sprintf("day %d is out of range [0, %d]", day, max))
}

// ErrRequirementNotMet reports unmet workflow requirements, itemized so the
// caller can remediate each one.
func ErrRequirementNotMet(workflow string, missing []string) *Error {
	e := NewError(ErrorTypeClient, ReasonRequirementNotMet,
		fmt.Sprintf("workflow %q requirements not satisfied", workflow))
	e.Missing = missing
	return e
}

// ErrToolNotAvailable reports a tool outside the active workflow's declared set.
func ErrToolNotAvailable(workflow, tool string) *Error {
	return NewError(ErrorTypeClient, ReasonToolNotAvailable,
		fmt.Sprintf("tool %q is not available to workflow %q", tool, workflow))
}

// ErrSessionClosed reports an operation against a closed session.
func ErrSessionClosed(conversationID string) *Error {
	return NewError(ErrorTypeClient, ReasonSessionClosed, fmt.Sprintf("session %s is closed", conversationID))
}

// ErrSessionNotFound reports a missing session. Transient: transition events
// may legitimately arrive before the client establishes the session.
func ErrSessionNotFound(conversationID string) *Error {
	return NewError(ErrorTypeTransient, ReasonSessionNotFound, fmt.Sprintf("session %s does not exist", conversationID))
}

// ErrWorkflowMismatch reports a reconnect with an incompatible workflow.
func ErrWorkflowMismatch(requested, current string) *Error {
	return NewError(ErrorTypeConflict, ReasonWorkflowMismatch,
		fmt.Sprintf("requested workflow %q is incompatible with active workflow %q", requested, current))
}

// ErrInvalidSpec reports a malformed workflow specification at load time.
func ErrInvalidSpec(message string) *Error {
	return NewError(ErrorTypeConfiguration, ReasonInvalidSpec, message)
}

// ErrInvalidRequest reports a malformed client request.
func ErrInvalidRequest(message string) *Error {
	return NewError(ErrorTypeClient, ReasonInvalidRequest, message)
}

// ErrEngineTimeout reports a conversational engine call exceeding its budget.
func ErrEngineTimeout(message string) *Error {
	return NewError(ErrorTypeTransient, ReasonEngineTimeout, message)
}
