package errors

import (
	"fmt"
	"time"
)

var (
	ErrNotReady          = NewError(CodeServerNotReady, "session not ready", CategoryValidation, SeverityWarning)
	ErrUnknownCapability = NewError(CodeUnknownCapability, "unknown capability", CategoryNotFound, SeverityError)
	ErrTimeout           = NewError(CodeOperationTimeout, "operation timed out", CategoryTimeout, SeverityError)
	ErrCancelled         = NewError(CodeOperationCancelled, "operation cancelled", CategoryCancelled, SeverityInfo)
	ErrAlreadyConnecting = NewError(CodeAlreadyConnecting, "session is already connecting", CategoryValidation, SeverityWarning)
	ErrAlreadyConnected  = NewError(CodeAlreadyConnected, "session is already connected", CategoryValidation, SeverityWarning)
	ErrInvalidState      = NewError(CodeInvalidSequence, "operation not allowed in current state", CategoryValidation, SeverityError)
	ErrCatalog           = NewError(CodeCatalogFailed, "catalog fetch failed", CategoryProtocol, SeverityError)
)

// StateErrorData describes the session state an operation was rejected in
type StateErrorData struct {
	Operation string `json:"operation"`
	State     string `json:"state"`
}

// CapabilityErrorData names the capability a failure refers to
type CapabilityErrorData struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

// NotReady is returned by dispatch outside the Ready state
func NotReady(state string) MCPError {
	return NewError(
		CodeServerNotReady,
		fmt.Sprintf("session not ready (state %s)", state),
		CategoryValidation,
		SeverityWarning,
	).WithData(&StateErrorData{Operation: "dispatch", State: state})
}

// UnknownCapability is returned when a target is not in the current catalog
func UnknownCapability(kind, target string) MCPError {
	return NewError(
		CodeUnknownCapability,
		fmt.Sprintf("unknown %s %q", kind, target),
		CategoryNotFound,
		SeverityError,
	).WithData(&CapabilityErrorData{Kind: kind, Target: target})
}

// Timeout is returned when a correlated response does not arrive in time
func Timeout(operation string, after time.Duration) MCPError {
	message := fmt.Sprintf("%s timed out", operation)
	if after > 0 {
		message = fmt.Sprintf("%s after %v", message, after)
	}
	return NewError(CodeOperationTimeout, message, CategoryTimeout, SeverityError)
}

// Cancelled is returned to the waiter of a cancelled call
func Cancelled(operation string) MCPError {
	return NewError(
		CodeOperationCancelled,
		fmt.Sprintf("%s cancelled", operation),
		CategoryCancelled,
		SeverityInfo,
	)
}

// AlreadyConnecting is returned by Connect while an attempt is in progress
func AlreadyConnecting(state string) MCPError {
	return NewError(
		CodeAlreadyConnecting,
		fmt.Sprintf("session is already connecting (state %s)", state),
		CategoryValidation,
		SeverityWarning,
	).WithData(&StateErrorData{Operation: "connect", State: state})
}

// AlreadyConnected is returned by Connect in the Ready state
func AlreadyConnected() MCPError {
	return NewError(
		CodeAlreadyConnected,
		"session is already connected",
		CategoryValidation,
		SeverityWarning,
	).WithData(&StateErrorData{Operation: "connect", State: "ready"})
}

// InvalidState is returned when operation is not permitted in state
func InvalidState(operation, state string) MCPError {
	return NewError(
		CodeInvalidSequence,
		fmt.Sprintf("%s not allowed in state %s", operation, state),
		CategoryValidation,
		SeverityError,
	).WithData(&StateErrorData{Operation: operation, State: state})
}

// CatalogError wraps the first failing list operation of a refresh
func CatalogError(list string, cause error) MCPError {
	message := fmt.Sprintf("failed to load %s", list)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return withContext(WrapError(
		cause,
		CodeCatalogFailed,
		message,
		CategoryProtocol,
		SeverityError,
	), "catalog", "refresh")
}
