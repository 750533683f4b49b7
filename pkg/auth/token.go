package auth

import (
	"context"
	"strings"
	"time"

	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
)

// TokenSource returns a token from an external source such as a secrets
// manager or a CLI helper
type TokenSource func(ctx context.Context) (string, error)

// TokenFlowConfig configures the token flow
type TokenFlowConfig struct {
	// Token is a static token; Source takes precedence when set
	Token string

	// Source fetches a fresh token on every Authenticate
	Source TokenSource

	// TokenType is the Authorization scheme (default: "Bearer")
	TokenType string

	// HeaderName sends the token in a custom header instead of Authorization
	HeaderName string

	// TTL is the token lifetime when known; otherwise a JWT exp claim is used
	TTL time.Duration

	// Store persists the credential (default: in-memory)
	Store Store

	Logger logging.Logger
}

// TokenFlow is the non-interactive flow: it presents a configured token
type TokenFlow struct {
	config TokenFlowConfig
	store  Store
	logger logging.Logger
	kind   string
}

// NewTokenFlow creates a token flow
func NewTokenFlow(config TokenFlowConfig) *TokenFlow {
	if config.Store == nil {
		config.Store = NewMemoryStore()
	}
	if config.Logger == nil {
		config.Logger = logging.Nop()
	}
	if config.TokenType == "" && config.HeaderName == "" {
		config.TokenType = "Bearer"
	}
	return &TokenFlow{
		config: config,
		store:  config.Store,
		logger: config.Logger.WithFields(logging.String("component", "auth"), logging.String("flow", "token")),
		kind:   "token",
	}
}

// Type returns the flow type identifier
func (f *TokenFlow) Type() string { return f.kind }

// Credential returns the stored credential if it is still valid
func (f *TokenFlow) Credential(ctx context.Context) (*Credential, error) {
	return loadUsable(ctx, f.store)
}

// Authenticate presents the configured token
func (f *TokenFlow) Authenticate(ctx context.Context, req *AuthRequest) (*Credential, error) {
	token := f.config.Token
	if f.config.Source != nil {
		var err error
		token, err = f.config.Source(ctx)
		if err != nil {
			return nil, NewAuthError(ReasonInvalidCredentials, "token source failed", err)
		}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NewAuthError(ReasonInvalidCredentials, "no token configured", nil)
	}

	cred := &Credential{
		AccessToken: token,
		TokenType:   f.config.TokenType,
		HeaderName:  f.config.HeaderName,
		ExpiresAt:   expiresAt(token, time.Time{}, f.config.TTL),
	}
	if cred.Expired(time.Now()) {
		return nil, NewAuthError(ReasonTokenExpired, "configured token has expired", nil)
	}

	if err := f.store.Save(ctx, cred); err != nil {
		return nil, NewAuthError(ReasonStorage, "could not store credential", err)
	}
	f.logger.Debug("token credential stored", logging.Bool("expires", !cred.ExpiresAt.IsZero()))
	return cred, nil
}

// ClearStorage wipes the stored credential
func (f *TokenFlow) ClearStorage(ctx context.Context) error {
	return f.store.Clear(ctx)
}

// DefaultAPIKeyHeader is the header API keys are sent in
const DefaultAPIKeyHeader = "X-API-Key"

// APIKeyConfig configures an API key flow
type APIKeyConfig struct {
	// Key is the API key
	Key string

	// Header carrying the key (default: X-API-Key)
	Header string

	// KeyPrefix, when set, is required on Key (e.g. "mcp_")
	KeyPrefix string

	Store  Store
	Logger logging.Logger
}

// NewAPIKeyFlow creates a token flow that sends an API key in a header
func NewAPIKeyFlow(config APIKeyConfig) *TokenFlow {
	header := config.Header
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	key := config.Key
	prefix := config.KeyPrefix
	f := NewTokenFlow(TokenFlowConfig{
		Source: func(ctx context.Context) (string, error) {
			if prefix != "" && !strings.HasPrefix(key, prefix) {
				return "", NewAuthError(ReasonInvalidCredentials, "API key has the wrong prefix", nil)
			}
			return key, nil
		},
		HeaderName: header,
		Store:      config.Store,
		Logger:     config.Logger,
	})
	f.kind = "apikey"
	return f
}
