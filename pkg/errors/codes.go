package errors

// JSON-RPC 2.0 Standard Error Codes
const (
	CodeParseError     int = -32700
	CodeInvalidRequest int = -32600
	CodeMethodNotFound int = -32601
	CodeInvalidParams  int = -32602
	CodeInternalError  int = -32603
)

// Engine error codes. They never appear on the wire; they classify local
// failures in the same numeric space as remote ones.
const (
	// Session readiness (-32000 to -32099)
	CodeServerNotReady int = -32001 // Session is not Ready

	// Authentication (-32100 to -32199)
	CodeUnauthorized int = -32100 // Credential denied, expired or flow failed
	CodeAuthRequired int = -32101 // Server demands a credential

	// Operations (-32300 to -32399)
	CodeOperationCancelled int = -32300
	CodeOperationTimeout   int = -32301

	// Capabilities (-32400 to -32499)
	CodeUnknownCapability int = -32403 // Target not in the current catalog

	// Transport (-32500 to -32599)
	CodeTransportError   int = -32500 // Frame could not be sent
	CodeConnectionFailed int = -32501 // Open failed
	CodeConnectionLost   int = -32502 // Peer dropped or connection closed

	// Validation (-32750 to -32799)
	CodeValidationError  int = -32750
	CodeMissingParameter int = -32751

	// Protocol and lifecycle (-32900 to -32999)
	CodeProtocolError     int = -32900
	CodeInvalidSequence   int = -32902 // Operation not allowed in the current state
	CodeAlreadyConnecting int = -32904
	CodeAlreadyConnected  int = -32905
	CodeCatalogFailed     int = -32906
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeParseError:     {CodeParseError, "ParseError", "Invalid JSON was received", CategoryProtocol, SeverityError},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid Request object", CategoryProtocol, SeverityError},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method does not exist", CategoryProtocol, SeverityError},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid method parameters", CategoryValidation, SeverityError},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal JSON-RPC error", CategoryInternal, SeverityError},

	CodeServerNotReady: {CodeServerNotReady, "NotReady", "Session not ready", CategoryValidation, SeverityWarning},

	CodeUnauthorized: {CodeUnauthorized, "AuthError", "Authentication failed", CategoryAuth, SeverityError},
	CodeAuthRequired: {CodeAuthRequired, "AuthRequired", "Authentication required", CategoryAuth, SeverityInfo},

	CodeOperationCancelled: {CodeOperationCancelled, "Cancelled", "Operation cancelled", CategoryCancelled, SeverityInfo},
	CodeOperationTimeout:   {CodeOperationTimeout, "Timeout", "Operation timed out", CategoryTimeout, SeverityError},

	CodeUnknownCapability: {CodeUnknownCapability, "UnknownCapability", "Capability not in catalog", CategoryNotFound, SeverityError},

	CodeTransportError:   {CodeTransportError, "SendError", "Transport send failed", CategoryTransport, SeverityError},
	CodeConnectionFailed: {CodeConnectionFailed, "ConnectError", "Connection failed", CategoryTransport, SeverityCritical},
	CodeConnectionLost:   {CodeConnectionLost, "ConnectionLost", "Connection lost", CategoryTransport, SeverityError},

	CodeValidationError:  {CodeValidationError, "ValidationError", "Validation error", CategoryValidation, SeverityError},
	CodeMissingParameter: {CodeMissingParameter, "MissingParameter", "Required parameter missing", CategoryValidation, SeverityError},

	CodeProtocolError:     {CodeProtocolError, "ProtocolError", "Protocol error", CategoryProtocol, SeverityError},
	CodeInvalidSequence:   {CodeInvalidSequence, "InvalidState", "Operation not allowed in current state", CategoryValidation, SeverityError},
	CodeAlreadyConnecting: {CodeAlreadyConnecting, "AlreadyConnecting", "Session is already connecting", CategoryValidation, SeverityWarning},
	CodeAlreadyConnected:  {CodeAlreadyConnected, "AlreadyConnected", "Session is already connected", CategoryValidation, SeverityWarning},
	CodeCatalogFailed:     {CodeCatalogFailed, "CatalogError", "Capability catalog fetch failed", CategoryProtocol, SeverityError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryProtocol
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}

// IsStandardJSONRPCCode checks if a code is in the JSON-RPC reserved range
func IsStandardJSONRPCCode(code int) bool {
	return code >= -32768 && code <= -32000
}
