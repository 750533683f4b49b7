package errors

import (
	"encoding/json"
	"fmt"

	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
)

// RemoteErrorData keeps the JSON-RPC error object a server returned
type RemoteErrorData struct {
	Method  string          `json:"method,omitempty"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RemoteError converts a JSON-RPC error response into an MCPError that keeps
// the server's code and message
func RemoteError(method string, rpcErr *protocol.Error) MCPError {
	if rpcErr == nil {
		return nil
	}
	code := int(rpcErr.Code)
	return NewError(
		code,
		fmt.Sprintf("server error %d: %s", code, rpcErr.Message),
		GetErrorCodeCategory(code),
		GetErrorCodeSeverity(code),
	).WithData(&RemoteErrorData{
		Method:  method,
		Code:    code,
		Message: rpcErr.Message,
		Data:    rpcErr.Data,
	})
}

// IsRemote reports whether err was produced by a server error response
func IsRemote(err error) bool {
	mcpErr, ok := AsMCPError(err)
	if !ok {
		return false
	}
	_, ok = mcpErr.Data().(*RemoteErrorData)
	return ok
}

// ToJSONRPCError converts any error to a JSON-RPC error object, used when
// answering server-initiated requests
func ToJSONRPCError(err error) *protocol.Error {
	if err == nil {
		return nil
	}
	if mcpErr, ok := AsMCPError(err); ok {
		var data json.RawMessage
		if mcpErr.Data() != nil {
			data, _ = json.Marshal(mcpErr.Data())
		}
		return &protocol.Error{
			Code:    protocol.ErrorCode(mcpErr.Code()),
			Message: mcpErr.Message(),
			Data:    data,
		}
	}
	return &protocol.Error{
		Code:    protocol.InternalError,
		Message: err.Error(),
	}
}

// IsRetryableError reports whether retrying the operation may succeed
func IsRetryableError(err error) bool {
	mcpErr, ok := AsMCPError(err)
	if !ok {
		return false
	}
	if data, ok := mcpErr.Data().(*ConnectionErrorData); ok {
		return data.Retryable
	}
	switch mcpErr.Code() {
	case CodeOperationTimeout, CodeConnectionLost, CodeConnectionFailed:
		return true
	}
	return false
}
