package errors

import "fmt"

// ValidationErrorData contains structured data for argument validation errors
type ValidationErrorData struct {
	Target    string `json:"target"`
	Parameter string `json:"parameter,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	ErrInvalidParams    = NewError(CodeInvalidParams, "invalid params", CategoryValidation, SeverityError)
	ErrMissingParameter = NewError(CodeMissingParameter, "missing parameter", CategoryValidation, SeverityError)
)

// InvalidParams is returned when arguments do not match the target's schema
func InvalidParams(target, reason string, cause error) MCPError {
	return WrapError(
		cause,
		CodeInvalidParams,
		fmt.Sprintf("invalid arguments for %q: %s", target, reason),
		CategoryValidation,
		SeverityError,
	).WithData(&ValidationErrorData{Target: target, Reason: reason})
}

// MissingParameter is returned when a required prompt argument is absent
func MissingParameter(target, param string) MCPError {
	return NewError(
		CodeMissingParameter,
		fmt.Sprintf("missing required argument %q for %q", param, target),
		CategoryValidation,
		SeverityError,
	).WithData(&ValidationErrorData{Target: target, Parameter: param, Reason: "required"})
}

// ValidationError creates a generic validation error
func ValidationError(message string) MCPError {
	return NewError(CodeValidationError, message, CategoryValidation, SeverityError)
}

// ValidationErrorf creates a generic validation error with a formatted message
func ValidationErrorf(format string, args ...interface{}) MCPError {
	return ValidationError(fmt.Sprintf(format, args...))
}
