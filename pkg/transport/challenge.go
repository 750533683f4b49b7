package transport

import (
	"net/http"
	"strings"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
)

// authFailure converts a 401/403 answer into ErrAuthRequired, carrying the
// resource_metadata parameter of the WWW-Authenticate challenge.
func authFailure(endpoint string, resp *http.Response) error {
	return mcperrors.AuthRequired(endpoint, resourceMetadata(resp.Header), resp.StatusCode)
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// resourceMetadata extracts resource_metadata from challenges such as
//
//	Bearer realm="mcp", resource_metadata="https://host/.well-known/oauth-protected-resource"
func resourceMetadata(h http.Header) string {
	for _, challenge := range h.Values("WWW-Authenticate") {
		for _, part := range strings.Split(challenge, ",") {
			part = strings.TrimSpace(part)
			if i := strings.IndexByte(part, ' '); i > 0 && !strings.Contains(part[:i], "=") {
				// drop the auth scheme prefix of the first parameter
				part = strings.TrimSpace(part[i+1:])
			}
			key, value, ok := strings.Cut(part, "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "resource_metadata") {
				continue
			}
			return strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return ""
}
