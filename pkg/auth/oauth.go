package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
)

// Redirector hands the authorization URL to the user, typically by opening
// a browser. It must not block until the user finishes.
type Redirector func(ctx context.Context, authURL string) error

// OAuthConfig configures the authorization code flow
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// AuthURL and TokenURL skip discovery when both are set
	AuthURL  string
	TokenURL string

	// Issuer is discovered with OpenID Connect discovery, falling back to
	// OAuth authorization server metadata. When empty the issuer is taken
	// from the server's protected resource metadata, then from the server
	// origin.
	Issuer string

	Redirector Redirector
	Store      Store
	HTTPClient *http.Client
	Logger     logging.Logger
}

// OAuthFlow is the redirect based authorization code flow with PKCE. A
// stored refresh token is tried before the user is involved.
type OAuthFlow struct {
	config OAuthConfig
	store  Store
	client *http.Client
	logger logging.Logger

	mu       sync.Mutex
	pending  *pendingAuth
	endpoint *oauth2.Endpoint
}

type pendingAuth struct {
	state    string
	verifier string
	result   chan callbackResult
}

type callbackResult struct {
	code string
	err  error
}

// NewOAuthFlow creates an OAuth flow
func NewOAuthFlow(config OAuthConfig) (*OAuthFlow, error) {
	if config.ClientID == "" {
		return nil, errors.New("oauth: client id is required")
	}
	if config.RedirectURL == "" {
		return nil, errors.New("oauth: redirect url is required")
	}
	if config.Store == nil {
		config.Store = NewMemoryStore()
	}
	if config.Logger == nil {
		config.Logger = logging.Nop()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	f := &OAuthFlow{
		config: config,
		store:  config.Store,
		client: client,
		logger: config.Logger.WithFields(logging.String("component", "auth"), logging.String("flow", "oauth2")),
	}
	if config.AuthURL != "" && config.TokenURL != "" {
		f.endpoint = &oauth2.Endpoint{AuthURL: config.AuthURL, TokenURL: config.TokenURL}
	}
	return f, nil
}

// Type returns the flow type identifier
func (f *OAuthFlow) Type() string { return "oauth2" }

// Credential returns the stored credential if it is still valid
func (f *OAuthFlow) Credential(ctx context.Context) (*Credential, error) {
	return loadUsable(ctx, f.store)
}

// ClearStorage wipes the stored credential and abandons any authorization
// in progress
func (f *OAuthFlow) ClearStorage(ctx context.Context) error {
	f.mu.Lock()
	p := f.pending
	f.pending = nil
	f.mu.Unlock()
	if p != nil {
		p.result <- callbackResult{err: NewAuthError(ReasonCancelled, "credential storage cleared", nil)}
	}
	return f.store.Clear(ctx)
}

// Authenticate refreshes a stored credential when possible; otherwise it
// sends the user to the authorization server and waits for Complete.
func (f *OAuthFlow) Authenticate(ctx context.Context, req *AuthRequest) (*Credential, error) {
	if req == nil {
		req = &AuthRequest{}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)

	endpoint, err := f.resolveEndpoint(ctx, req)
	if err != nil {
		return nil, err
	}
	cfg := f.oauthConfig(endpoint, req.Scopes)

	if cred := f.tryRefresh(ctx, cfg); cred != nil {
		return cred, nil
	}

	if f.config.Redirector == nil {
		return nil, NewAuthError(ReasonRedirectFailed, "no redirector configured for interactive login", nil)
	}

	p := &pendingAuth{
		state:    uuid.NewString(),
		verifier: oauth2.GenerateVerifier(),
		result:   make(chan callbackResult, 1),
	}
	f.mu.Lock()
	previous := f.pending
	f.pending = p
	f.mu.Unlock()
	if previous != nil {
		previous.result <- callbackResult{err: NewAuthError(ReasonCancelled, "superseded by a new authorization", nil)}
	}

	authURL := cfg.AuthCodeURL(p.state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(p.verifier))
	f.logger.Info("waiting for user authorization", logging.String("auth_endpoint", endpoint.AuthURL))
	if err := f.config.Redirector(ctx, authURL); err != nil {
		f.abandon(p)
		return nil, NewAuthError(ReasonRedirectFailed, "could not open the authorization page", err)
	}

	var result callbackResult
	select {
	case result = <-p.result:
	case <-ctx.Done():
		f.abandon(p)
		return nil, NewAuthError(ReasonCancelled, "authorization was not completed", ctx.Err())
	}
	if result.err != nil {
		return nil, result.err
	}

	tok, err := cfg.Exchange(ctx, result.code, oauth2.VerifierOption(p.verifier))
	if err != nil {
		return nil, NewAuthError(ReasonExchangeFailed, exchangeMessage(err), err)
	}
	return f.save(ctx, tok)
}

func (f *OAuthFlow) abandon(p *pendingAuth) {
	f.mu.Lock()
	if f.pending == p {
		f.pending = nil
	}
	f.mu.Unlock()
}

// tryRefresh renews a stored credential through its refresh token
func (f *OAuthFlow) tryRefresh(ctx context.Context, cfg *oauth2.Config) *Credential {
	stored, err := f.store.Load(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("load stored credential failed")
		return nil
	}
	if stored == nil || stored.RefreshToken == "" {
		return nil
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: stored.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}).Token()
	if err != nil {
		f.logger.WithError(err).Info("refresh token rejected, starting interactive login")
		return nil
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = stored.RefreshToken
	}
	cred, err := f.save(ctx, tok)
	if err != nil {
		f.logger.WithError(err).Warn("store refreshed credential failed")
		return nil
	}
	f.logger.Debug("credential refreshed")
	return cred
}

func (f *OAuthFlow) save(ctx context.Context, tok *oauth2.Token) (*Credential, error) {
	cred := &Credential{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt(tok.AccessToken, tok.Expiry, 0),
	}
	if cred.AccessToken == "" {
		return nil, NewAuthError(ReasonExchangeFailed, "token response has no access token", nil)
	}
	if err := f.store.Save(ctx, cred); err != nil {
		return nil, NewAuthError(ReasonStorage, "could not store credential", err)
	}
	return cred, nil
}

func (f *OAuthFlow) oauthConfig(endpoint oauth2.Endpoint, extraScopes []string) *oauth2.Config {
	scopes := append([]string(nil), f.config.Scopes...)
	for _, s := range extraScopes {
		if !containsString(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	return &oauth2.Config{
		ClientID:     f.config.ClientID,
		ClientSecret: f.config.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  f.config.RedirectURL,
		Scopes:       scopes,
	}
}

// Complete delivers the authorization response. A state that does not
// match the authorization in progress fails it.
func (f *OAuthFlow) Complete(code, state string) error {
	if code == "" {
		return f.Fail(state, "invalid_request", "authorization response has no code")
	}
	return f.resolve(state, callbackResult{code: code})
}

// Fail delivers an error response from the authorization server
func (f *OAuthFlow) Fail(state, errCode, description string) error {
	reason := ReasonExchangeFailed
	message := errCode
	if errCode == "access_denied" {
		reason = ReasonAccessDenied
		message = "the user denied access"
	}
	if description != "" {
		message = fmt.Sprintf("%s: %s", message, description)
	}
	return f.resolve(state, callbackResult{err: NewAuthError(reason, message, nil)})
}

func (f *OAuthFlow) resolve(state string, result callbackResult) error {
	f.mu.Lock()
	p := f.pending
	f.pending = nil
	f.mu.Unlock()

	if p == nil {
		return NewAuthError(ReasonStateMismatch, "no authorization in progress", nil)
	}
	if state != p.state {
		err := NewAuthError(ReasonStateMismatch, "authorization response state does not match", nil)
		p.result <- callbackResult{err: err}
		return err
	}
	p.result <- result
	return result.err
}

// CallbackHandler serves the redirect URL for loopback logins
func (f *OAuthFlow) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var err error
		if e := q.Get("error"); e != "" {
			err = f.Fail(q.Get("state"), e, q.Get("error_description"))
		} else {
			err = f.Complete(q.Get("code"), q.Get("state"))
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "<p>Authorization failed: %s</p>", html.EscapeString(err.Error()))
			return
		}
		fmt.Fprint(w, "<p>Authorization complete. You can close this window.</p>")
	})
}

// resolveEndpoint returns the configured endpoint or discovers one
func (f *OAuthFlow) resolveEndpoint(ctx context.Context, req *AuthRequest) (oauth2.Endpoint, error) {
	f.mu.Lock()
	cached := f.endpoint
	f.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	issuer := f.config.Issuer
	if issuer == "" && req.ResourceMetadata != "" {
		servers, err := f.authorizationServers(ctx, req.ResourceMetadata)
		if err != nil {
			f.logger.WithError(err).Debug("protected resource metadata unavailable")
		} else if len(servers) > 0 {
			issuer = servers[0]
		}
	}
	if issuer == "" {
		issuer = origin(req.ServerURL)
	}
	if issuer == "" {
		return oauth2.Endpoint{}, NewAuthError(ReasonDiscoveryFailed, "no issuer to discover", nil)
	}

	endpoint, err := f.discover(ctx, issuer)
	if err != nil {
		return oauth2.Endpoint{}, NewAuthError(ReasonDiscoveryFailed, fmt.Sprintf("discovery at %s failed", issuer), err)
	}

	f.mu.Lock()
	f.endpoint = &endpoint
	f.mu.Unlock()
	f.logger.Debug("authorization server discovered", logging.String("issuer", issuer))
	return endpoint, nil
}

func (f *OAuthFlow) discover(ctx context.Context, issuer string) (oauth2.Endpoint, error) {
	provider, oidcErr := oidc.NewProvider(oidc.ClientContext(ctx, f.client), issuer)
	if oidcErr == nil {
		return provider.Endpoint(), nil
	}

	var meta struct {
		AuthorizationEndpoint string `json:"authorization_endpoint"`
		TokenEndpoint         string `json:"token_endpoint"`
	}
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/oauth-authorization-server"
	if err := f.getJSON(ctx, wellKnown, &meta); err != nil {
		return oauth2.Endpoint{}, errors.Join(oidcErr, err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return oauth2.Endpoint{}, errors.New("authorization server metadata is incomplete")
	}
	return oauth2.Endpoint{AuthURL: meta.AuthorizationEndpoint, TokenURL: meta.TokenEndpoint}, nil
}

func (f *OAuthFlow) authorizationServers(ctx context.Context, metadataURL string) ([]string, error) {
	var meta struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := f.getJSON(ctx, metadataURL, &meta); err != nil {
		return nil, err
	}
	return meta.AuthorizationServers, nil
}

func (f *OAuthFlow) getJSON(ctx context.Context, target string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func exchangeMessage(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		if re.ErrorDescription != "" {
			return fmt.Sprintf("token endpoint refused the code: %s (%s)", re.ErrorCode, re.ErrorDescription)
		}
		return fmt.Sprintf("token endpoint refused the code: %s", re.ErrorCode)
	}
	return "token exchange failed"
}

func origin(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
