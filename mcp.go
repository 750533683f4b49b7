// Package mcp is a client session engine for the Model Context Protocol
package mcp

import (
	"github.com/ajitpratap0/mcp-session-go/pkg/auth"
	"github.com/ajitpratap0/mcp-session-go/pkg/config"
	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/session"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
)

// Version represents the current version of the engine
const Version = "0.1.0"

// ProtocolRevision is the MCP revision sent in initialize
const ProtocolRevision = protocol.ProtocolRevision

// Core types
type (
	Client         = session.Client
	Session        = session.Session
	ServerEndpoint = session.ServerEndpoint
	State          = session.State
	StateChange    = session.StateChange
	Option         = session.Option
	Config         = config.Config
)

// Session states
const (
	StateIdle                = session.Idle
	StateDiscovering         = session.Discovering
	StatePendingAuth         = session.PendingAuth
	StateAuthenticating      = session.Authenticating
	StateConnecting          = session.Connecting
	StateLoadingCapabilities = session.LoadingCapabilities
	StateReady               = session.Ready
	StateFailed              = session.Failed
)

// These exports provide direct access to the core engine components
var (
	// NewClient creates an idle session client
	NewClient = session.NewClient

	// LoadConfig reads a YAML configuration and applies MCP_* variables
	LoadConfig = config.Load

	// NewTransportRegistry creates the http, https, ws and wss dialers
	NewTransportRegistry = transport.NewDefaultRegistry

	// NewTokenFlow presents a configured bearer token
	NewTokenFlow = auth.NewTokenFlow

	// NewAPIKeyFlow presents a configured API key
	NewAPIKeyFlow = auth.NewAPIKeyFlow

	// NewOAuthFlow runs the authorization code flow with PKCE
	NewOAuthFlow = auth.NewOAuthFlow
)

// Client options
var (
	WithDialer             = session.WithDialer
	WithAuthFlow           = session.WithAuthFlow
	WithLogger             = session.WithLogger
	WithRequestTimeout     = session.WithRequestTimeout
	WithObserver           = session.WithObserver
	WithTracer             = session.WithTracer
	WithAutoReconnect      = session.WithAutoReconnect
	WithMaxPages           = session.WithMaxPages
	WithClientCapabilities = session.WithClientCapabilities
)

// Errors to match with errors.Is
var (
	ErrNotReady          = mcperrors.ErrNotReady
	ErrUnknownCapability = mcperrors.ErrUnknownCapability
	ErrTimeout           = mcperrors.ErrTimeout
	ErrCancelled         = mcperrors.ErrCancelled
	ErrConnectionClosed  = mcperrors.ErrConnectionClosed
	ErrConnect           = mcperrors.ErrConnect
	ErrAuthRequired      = mcperrors.ErrAuthRequired
	ErrAuth              = mcperrors.ErrAuth
	ErrCatalog           = mcperrors.ErrCatalog
	ErrInvalidState      = mcperrors.ErrInvalidState
	ErrAlreadyConnecting = mcperrors.ErrAlreadyConnecting
	ErrAlreadyConnected  = mcperrors.ErrAlreadyConnected
)
