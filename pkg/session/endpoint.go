package session

import (
	"net/url"
	"strings"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
)

// SupportedSchemes are the URL schemes a ServerEndpoint may use
var SupportedSchemes = []string{"http", "https", "ws", "wss", "pipe"}

// ServerEndpoint identifies the server and the client presenting itself to
// it. It does not change for the lifetime of a session.
type ServerEndpoint struct {
	URL           string `yaml:"url" json:"url"`
	ClientName    string `yaml:"client_name" json:"client_name"`
	ClientVersion string `yaml:"client_version" json:"client_version"`
}

// Validate rejects an empty URL, an unsupported scheme or an empty client
// name
func (e ServerEndpoint) Validate() error {
	if strings.TrimSpace(e.URL) == "" {
		return mcperrors.ValidationError("server URL is required")
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return mcperrors.ValidationErrorf("invalid server URL: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	supported := false
	for _, s := range SupportedSchemes {
		if s == scheme {
			supported = true
			break
		}
	}
	if !supported {
		return mcperrors.ValidationErrorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return mcperrors.ValidationErrorf("server URL %q has no host", e.URL)
	}
	if strings.TrimSpace(e.ClientName) == "" {
		return mcperrors.ValidationError("client name is required")
	}
	return nil
}
