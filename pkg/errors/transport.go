package errors

import (
	"fmt"
	"net/url"
)

// ConnectionErrorData contains structured data for connection-related errors
type ConnectionErrorData struct {
	Transport  string `json:"transport"`
	Endpoint   string `json:"endpoint,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Reason     string `json:"reason,omitempty"`
}

// AuthErrorData contains structured data for authentication errors
type AuthErrorData struct {
	Endpoint string `json:"endpoint,omitempty"`
	// ResourceMetadata is the protected resource metadata URL taken from
	// the WWW-Authenticate challenge, when the server sent one.
	ResourceMetadata string `json:"resource_metadata,omitempty"`
	StatusCode       int    `json:"status_code,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

var (
	// ErrConnectionClosed is returned by Send after Close and ends Receive
	// when the peer drops.
	ErrConnectionClosed = NewError(CodeConnectionLost, "connection closed", CategoryTransport, SeverityError)

	// ErrConnect matches every ConnectError
	ErrConnect = NewError(CodeConnectionFailed, "connect failed", CategoryTransport, SeverityCritical)

	// ErrSend matches every SendError
	ErrSend = NewError(CodeTransportError, "send failed", CategoryTransport, SeverityError)

	// ErrAuthRequired matches the error Open returns for 401/403 answers
	ErrAuthRequired = NewError(CodeAuthRequired, "authentication required", CategoryAuth, SeverityInfo)

	// ErrAuth matches every AuthError
	ErrAuth = NewError(CodeUnauthorized, "authentication failed", CategoryAuth, SeverityError)
)

// ConnectError creates an error for a failed transport open
func ConnectError(transport, endpoint string, cause error) MCPError {
	message := fmt.Sprintf("failed to connect to %s via %s", redact(endpoint), transport)
	reason := ""
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
		reason = cause.Error()
	}

	return withContext(WrapError(
		cause,
		CodeConnectionFailed,
		message,
		CategoryTransport,
		SeverityCritical,
	), "transport", "open").WithData(&ConnectionErrorData{
		Transport: transport,
		Endpoint:  redact(endpoint),
		Retryable: true,
		Reason:    reason,
	})
}

// ConnectStatusError creates a ConnectError for an unexpected HTTP status
func ConnectStatusError(transport, endpoint string, status int) MCPError {
	return withContext(NewError(
		CodeConnectionFailed,
		fmt.Sprintf("failed to connect to %s via %s: status %d", redact(endpoint), transport, status),
		CategoryTransport,
		SeverityCritical,
	), "transport", "open").WithData(&ConnectionErrorData{
		Transport:  transport,
		Endpoint:   redact(endpoint),
		StatusCode: status,
		Retryable:  status >= 500,
		Reason:     fmt.Sprintf("status %d", status),
	})
}

// SendError creates an error for a frame that could not be sent
func SendError(transport string, cause error) MCPError {
	message := fmt.Sprintf("%s send failed", transport)
	reason := ""
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
		reason = cause.Error()
	}
	return withContext(WrapError(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	), "transport", "send").WithData(&ConnectionErrorData{
		Transport: transport,
		Retryable: true,
		Reason:    reason,
	})
}

// ConnectionLost creates an error for a connection the peer dropped
func ConnectionLost(transport string, cause error) MCPError {
	message := fmt.Sprintf("lost connection via %s", transport)
	reason := ""
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
		reason = cause.Error()
	}
	return withContext(WrapError(
		cause,
		CodeConnectionLost,
		message,
		CategoryTransport,
		SeverityError,
	), "transport", "receive").WithData(&ConnectionErrorData{
		Transport: transport,
		Retryable: true,
		Reason:    reason,
	})
}

// AuthRequired creates the error Open returns when the server rejects the
// request with 401 or 403
func AuthRequired(endpoint, resourceMetadata string, status int) MCPError {
	return withContext(NewError(
		CodeAuthRequired,
		fmt.Sprintf("authentication required by %s", redact(endpoint)),
		CategoryAuth,
		SeverityInfo,
	), "transport", "open").WithData(&AuthErrorData{
		Endpoint:         redact(endpoint),
		ResourceMetadata: resourceMetadata,
		StatusCode:       status,
	})
}

// AuthError creates an error for a failed authentication flow
func AuthError(reason string, cause error) MCPError {
	message := fmt.Sprintf("authentication failed: %s", reason)
	return withContext(WrapError(
		cause,
		CodeUnauthorized,
		message,
		CategoryAuth,
		SeverityError,
	), "auth", "authenticate").WithData(&AuthErrorData{
		Reason: reason,
	})
}

// ResourceMetadataOf returns the resource metadata URL carried by an
// AuthRequired error
func ResourceMetadataOf(err error) string {
	mcpErr, ok := AsMCPError(err)
	if !ok {
		return ""
	}
	if data, ok := mcpErr.Data().(*AuthErrorData); ok {
		return data.ResourceMetadata
	}
	return ""
}

// redact drops userinfo and query from endpoint URLs before they reach
// messages and logs
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
