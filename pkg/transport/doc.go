// Package transport moves JSON-RPC frames between a client session and a
// capability server.
//
// A Dialer opens a Conn for an endpoint URL. Conn exposes Send, a Receive
// iterator and Close; frames are complete JSON-RPC messages. Three
// implementations are provided:
//
//   - StreamableHTTPDialer (http, https): frames are POSTed, responses arrive
//     as JSON or as an SSE stream, server push arrives on a GET stream and
//     the Mcp-Session-Id header is echoed on every request.
//   - WebSocketDialer (ws, wss): one text message per frame.
//   - PipeDialer and NewPipe: in-memory connections for tests and embedders.
//
// Open reports ErrAuthRequired when the server answers 401 or 403, which is
// how a session discovers that it must authenticate, and a ConnectError for
// unreachable servers. A Registry dispatches on URL scheme.
//
// # Middleware
//
// Dialers compose with Middleware in the same way handlers do:
//
//	chain := transport.ChainMiddleware(
//		transport.NewReliabilityMiddleware(cfg.Reliability, logger),
//		transport.NewObservabilityMiddleware(metrics),
//	)
//	dialer := chain.Wrap(httpDialer)
//
// The reliability middleware retries Open with exponential backoff; the
// observability middleware reports every frame to a FrameObserver.
package transport
