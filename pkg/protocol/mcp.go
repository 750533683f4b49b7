package protocol

import "encoding/json"

const (
	// ProtocolRevision is the protocol version sent in the initialize request
	ProtocolRevision = "2025-03-26"

	// Methods for lifecycle management
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"

	// Methods for server features
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"
	MethodListResources = "resources/list"
	MethodReadResource  = "resources/read"
	MethodListPrompts   = "prompts/list"
	MethodGetPrompt     = "prompts/get"

	// Server notifications
	MethodToolsListChanged     = "notifications/tools/list_changed"
	MethodResourcesListChanged = "notifications/resources/list_changed"
	MethodPromptsListChanged   = "notifications/prompts/list_changed"
	MethodLogMessage           = "notifications/message"
	MethodProgress             = "notifications/progress"

	// Methods for utilities
	MethodCancelled = "notifications/cancelled"
)

// CapabilityType defines the capability families a server can advertise
type CapabilityType string

const (
	CapabilityTools     CapabilityType = "tools"
	CapabilityResources CapabilityType = "resources"
	CapabilityPrompts   CapabilityType = "prompts"
	CapabilityLogging   CapabilityType = "logging"
)

// IsListChanged reports whether method is one of the catalog change
// notifications.
func IsListChanged(method string) bool {
	switch method {
	case MethodToolsListChanged, MethodResourcesListChanged, MethodPromptsListChanged:
		return true
	}
	return false
}

// Implementation names a client or server and its version
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities are declared by the client during initialize
type ClientCapabilities struct {
	Roots        *ListChangedCapability `json:"roots,omitempty"`
	Sampling     *struct{}              `json:"sampling,omitempty"`
	Experimental map[string]interface{} `json:"experimental,omitempty"`
}

// ListChangedCapability is the shape shared by tools, prompts and roots
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes the server's resource support
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities are returned by the server in the initialize result.
// A nil member means the capability was not advertised.
type ServerCapabilities struct {
	Tools        *ListChangedCapability `json:"tools,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Prompts      *ListChangedCapability `json:"prompts,omitempty"`
	Logging      *struct{}              `json:"logging,omitempty"`
	Experimental map[string]interface{} `json:"experimental,omitempty"`
}

// Has reports whether the server advertised the capability
func (c ServerCapabilities) Has(capability CapabilityType) bool {
	switch capability {
	case CapabilityTools:
		return c.Tools != nil
	case CapabilityResources:
		return c.Resources != nil
	case CapabilityPrompts:
		return c.Prompts != nil
	case CapabilityLogging:
		return c.Logging != nil
	}
	return false
}

// InitializeParams defines the parameters for the initialize request
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult defines the response for the initialize request
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// CancelledParams is sent with notifications/cancelled
type CancelledParams struct {
	RequestID interface{} `json:"requestId"`
	Reason    string      `json:"reason,omitempty"`
}

// LoggingLevel is the syslog-style severity used by notifications/message
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

// LogMessageParams defines parameters for the notifications/message notification
type LogMessageParams struct {
	Level  LoggingLevel    `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// PaginatedParams is embedded by list requests that support cursors
type PaginatedParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// PaginatedResult is embedded by list results that support cursors
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitempty"`
}
