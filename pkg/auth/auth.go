// Package auth obtains, persists and clears the credential a session
// presents to a capability server. A Flow runs the authentication
// sub-protocol (static token, API key or OAuth2 authorization code with
// PKCE); a Store keeps the resulting Credential between sessions.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
)

// DefaultExpirySkew is subtracted from ExpiresAt when deciding whether a
// credential is still usable
const DefaultExpirySkew = 30 * time.Second

// Credential is an opaque token plus an expiry hint
type Credential struct {
	// AccessToken is presented to the server
	AccessToken string `json:"access_token"`

	// TokenType is the Authorization scheme, "Bearer" when empty
	TokenType string `json:"token_type,omitempty"`

	// RefreshToken is used to renew AccessToken without user interaction
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresAt is zero when the lifetime is unknown
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// HeaderName sends AccessToken verbatim in a custom header instead of
	// Authorization, as API keys usually are
	HeaderName string `json:"header_name,omitempty"`
}

// Expired reports whether the credential is past its expiry hint at now
func (c *Credential) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-DefaultExpirySkew))
}

// Valid reports whether the credential has a token and has not expired
func (c *Credential) Valid() bool {
	return c != nil && c.AccessToken != "" && !c.Expired(time.Now())
}

// Header returns the request header carrying the credential
func (c *Credential) Header() http.Header {
	h := http.Header{}
	if c == nil || c.AccessToken == "" {
		return h
	}
	if c.HeaderName != "" {
		h.Set(c.HeaderName, c.AccessToken)
		return h
	}
	tokenType := c.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	h.Set("Authorization", tokenType+" "+c.AccessToken)
	return h
}

// AuthRequest describes the server asking for a credential
type AuthRequest struct {
	// ServerURL is the capability server endpoint
	ServerURL string `json:"serverUrl"`

	// ResourceMetadata is the protected resource metadata URL from the
	// server's WWW-Authenticate challenge, when it sent one
	ResourceMetadata string `json:"resourceMetadata,omitempty"`

	// Scopes requested in addition to the flow's configured scopes
	Scopes []string `json:"scopes,omitempty"`
}

// Flow runs the authentication sub-protocol for a session
type Flow interface {
	// Credential returns the stored credential, or nil when there is none
	// or it can no longer be used.
	Credential(ctx context.Context) (*Credential, error)

	// Authenticate obtains a credential, stores it and returns it.
	// Failures are AuthError values with a human-readable cause.
	Authenticate(ctx context.Context, req *AuthRequest) (*Credential, error)

	// ClearStorage wipes any persisted credential
	ClearStorage(ctx context.Context) error

	// Type returns the flow type identifier (e.g. "token", "apikey", "oauth2")
	Type() string
}

// Reasons carried by AuthError
const (
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonTokenExpired       = "token_expired"
	ReasonAccessDenied       = "access_denied"
	ReasonStateMismatch      = "state_mismatch"
	ReasonExchangeFailed     = "exchange_failed"
	ReasonDiscoveryFailed    = "discovery_failed"
	ReasonRedirectFailed     = "redirect_failed"
	ReasonCancelled          = "cancelled"
	ReasonStorage            = "storage_failed"
)

// NewAuthError creates an AuthError with reason and a human-readable message
func NewAuthError(reason, message string, cause error) error {
	err := mcperrors.AuthError(reason, cause)
	if message != "" {
		err = err.WithDetail(message)
	}
	return err
}

// ReasonOf returns the reason of an AuthError, or "" for other errors
func ReasonOf(err error) string {
	mcpErr, ok := mcperrors.AsMCPError(err)
	if !ok {
		return ""
	}
	if data, ok := mcpErr.Data().(*mcperrors.AuthErrorData); ok {
		return data.Reason
	}
	return ""
}

// loadUsable returns the stored credential when it can still be presented
func loadUsable(ctx context.Context, store Store) (*Credential, error) {
	cred, err := store.Load(ctx)
	if err != nil || cred == nil {
		return nil, err
	}
	if !cred.Valid() {
		return nil, nil
	}
	return cred, nil
}
