package transport

import (
	"net/http"

	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
)

// NewDefaultRegistry registers the Streamable HTTP dialer for http/https
// and the WebSocket dialer for ws/wss, each wrapped in the middleware that
// config enables. observer may be nil.
func NewDefaultRegistry(config TransportConfig, observer FrameObserver, logger logging.Logger) (*Registry, error) {
	return NewRegistryWithClient(config, nil, observer, logger)
}

// NewRegistryWithClient is NewDefaultRegistry with a caller supplied
// http.Client for the HTTP transport
func NewRegistryWithClient(config TransportConfig, client *http.Client, observer FrameObserver, logger logging.Logger) (*Registry, error) {
	httpDialer, err := NewStreamableHTTPDialer(config, client, logger)
	if err != nil {
		return nil, err
	}
	wsDialer, err := NewWebSocketDialer(config, logger)
	if err != nil {
		return nil, err
	}

	chain := ChainMiddleware(NewMiddlewareBuilder(config, observer, logger).Build()...)

	r := NewRegistry()
	r.Register("http", chain.Wrap(httpDialer))
	r.Register("https", chain.Wrap(httpDialer))
	r.Register("ws", chain.Wrap(wsDialer))
	r.Register("wss", chain.Wrap(wsDialer))
	return r, nil
}
