package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
)

// StoreConfig selects and configures a credential store
type StoreConfig struct {
	// Type is "memory", "file" or "redis" (default: memory)
	Type string `yaml:"type" json:"type"`

	// Path of the credential file for the file store
	Path string `yaml:"path" json:"path"`

	// RedisAddr and RedisKey configure the redis store
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
	RedisKey  string `yaml:"redis_key" json:"redis_key"`
}

// FlowConfig selects and configures an auth flow
type FlowConfig struct {
	// Type is "none", "token", "apikey" or "oauth2"
	Type string `yaml:"type" json:"type"`

	Token    string        `yaml:"token" json:"token"`
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`

	APIKey       string `yaml:"api_key" json:"api_key"`
	APIKeyHeader string `yaml:"api_key_header" json:"api_key_header"`

	ClientID     string   `yaml:"client_id" json:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url" json:"redirect_url"`
	Scopes       []string `yaml:"scopes" json:"scopes"`
	Issuer       string   `yaml:"issuer" json:"issuer"`
	AuthURL      string   `yaml:"auth_url" json:"auth_url"`
	TokenURL     string   `yaml:"token_url" json:"token_url"`

	Store StoreConfig `yaml:"store" json:"store"`
}

// NewStore creates the store described by config
func NewStore(ctx context.Context, config StoreConfig, logger logging.Logger) (Store, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if config.Path == "" {
			return nil, fmt.Errorf("file store requires a path")
		}
		return NewFileStore(config.Path, logger), nil
	case "redis":
		return DialRedisStore(ctx, config.RedisAddr, config.RedisKey)
	default:
		return nil, fmt.Errorf("unsupported credential store %q", config.Type)
	}
}

// NewFlow creates the flow described by config along with its store.
// redirector is used by the oauth2 flow only. A "none" flow returns nil.
func NewFlow(ctx context.Context, config FlowConfig, redirector Redirector, logger logging.Logger) (Flow, error) {
	if config.Type == "" || config.Type == "none" {
		return nil, nil
	}

	store, err := NewStore(ctx, config.Store, logger)
	if err != nil {
		return nil, err
	}
	return NewFlowWithStore(config, store, redirector, logger)
}

// NewFlowWithStore creates the flow described by config on top of store,
// ignoring config.Store. A "none" flow returns nil.
func NewFlowWithStore(config FlowConfig, store Store, redirector Redirector, logger logging.Logger) (Flow, error) {
	switch config.Type {
	case "", "none":
		return nil, nil
	case "token":
		return NewTokenFlow(TokenFlowConfig{
			Token:  config.Token,
			TTL:    config.TokenTTL,
			Store:  store,
			Logger: logger,
		}), nil
	case "apikey":
		return NewAPIKeyFlow(APIKeyConfig{
			Key:    config.APIKey,
			Header: config.APIKeyHeader,
			Store:  store,
			Logger: logger,
		}), nil
	case "oauth2":
		flow, err := NewOAuthFlow(OAuthConfig{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Issuer:       config.Issuer,
			AuthURL:      config.AuthURL,
			TokenURL:     config.TokenURL,
			Redirector:   redirector,
			Store:        store,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return flow, nil
	default:
		return nil, fmt.Errorf("unsupported auth flow %q", config.Type)
	}
}
