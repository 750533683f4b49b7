package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/mcp-session-go/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
)

// discover opens the transport with the stored credential, if any. A
// server demanding authentication moves the session to PendingAuth.
func (c *Client) discover(ctx context.Context, gen uint64, endpoint ServerEndpoint) {
	ctx, span := c.startSpan(ctx, "mcp.connect", endpoint)
	defer span.End()

	var cred *auth.Credential
	if c.flow != nil {
		stored, err := c.flow.Credential(ctx)
		if err != nil {
			c.logger.Warn("failed to load stored credential", logging.ErrorField(err))
		}
		cred = stored
	}

	conn, err := c.open(ctx, endpoint, cred)
	if err != nil {
		if errors.Is(err, mcperrors.ErrAuthRequired) {
			c.requireAuth(gen, endpoint, err)
			span.AddEvent("auth required")
			return
		}
		recordSpanError(span, err)
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen == c.gen && cred != nil {
		c.credential = cred
	}
	c.mu.Unlock()

	if !c.transition(gen, Connecting) {
		_ = conn.Close()
		return
	}
	c.handshake(ctx, gen, endpoint, conn, span)
}

// authenticate obtains a credential from the flow and connects with it
func (c *Client) authenticate(ctx context.Context, gen uint64, req *auth.AuthRequest) {
	c.mu.Lock()
	endpoint := c.endpoint
	c.mu.Unlock()

	ctx, span := c.startSpan(ctx, "mcp.authenticate", endpoint)
	defer span.End()

	if c.flow == nil {
		err := mcperrors.AuthError(auth.ReasonInvalidCredentials, errors.New("server requires authentication and no auth flow is configured"))
		recordSpanError(span, err)
		c.fail(gen, err)
		return
	}
	if req == nil {
		req = &auth.AuthRequest{ServerURL: endpoint.URL}
	}

	cred, err := c.flow.Authenticate(ctx, req)
	if err != nil {
		if !mcperrors.IsCategory(err, mcperrors.CategoryAuth) {
			err = mcperrors.AuthError(auth.ReasonInvalidCredentials, err)
		}
		recordSpanError(span, err)
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.credential = cred
	ok := c.setStateLocked(Connecting, nil)
	c.mu.Unlock()
	if !ok {
		return
	}

	conn, err := c.open(ctx, endpoint, cred)
	if err != nil {
		// the server turned down the credential the flow just issued
		if errors.Is(err, mcperrors.ErrAuthRequired) {
			err = mcperrors.AuthError(auth.ReasonInvalidCredentials, err)
		}
		recordSpanError(span, err)
		c.fail(gen, err)
		return
	}
	c.handshake(ctx, gen, endpoint, conn, span)
}

func (c *Client) requireAuth(gen uint64, endpoint ServerEndpoint, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.pendingAuth = &auth.AuthRequest{
		ServerURL:        endpoint.URL,
		ResourceMetadata: mcperrors.ResourceMetadataOf(cause),
	}
	c.setStateLocked(PendingAuth, nil)
}

func (c *Client) open(ctx context.Context, endpoint ServerEndpoint, cred *auth.Credential) (transport.Conn, error) {
	opts := transport.OpenOptions{}
	if cred != nil {
		opts.Header = cred.Header()
	}
	conn, err := c.dialer.Open(ctx, endpoint.URL, opts)
	if err != nil {
		if mcperrors.IsMCPError(err) {
			return nil, err
		}
		return nil, mcperrors.ConnectError("session", endpoint.URL, err)
	}
	return conn, nil
}

// handshake adopts conn, starts its read loop and runs initialize. On
// success the session moves on to loading capabilities.
func (c *Client) handshake(ctx context.Context, gen uint64, endpoint ServerEndpoint, conn transport.Conn, span trace.Span) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connecting {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.dispatcher.Attach(conn)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.readLoop(ctx, gen, conn)
	}()

	raw, err := c.dispatcher.Request(ctx, protocol.MethodInitialize, &protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolRevision,
		Capabilities:    c.clientCaps,
		ClientInfo: protocol.Implementation{
			Name:    endpoint.ClientName,
			Version: endpoint.ClientVersion,
		},
	})
	if err != nil {
		recordSpanError(span, err)
		c.fail(gen, handshakeError(endpoint, err))
		return
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		err = mcperrors.WrapError(err, mcperrors.CodeProtocolError, "malformed initialize result",
			mcperrors.CategoryProtocol, mcperrors.SeverityError)
		recordSpanError(span, err)
		c.fail(gen, err)
		return
	}

	if err := c.dispatcher.Notify(ctx, protocol.MethodInitialized, nil); err != nil {
		recordSpanError(span, err)
		c.fail(gen, handshakeError(endpoint, err))
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.serverInfo = &result
	ok := c.setStateLocked(LoadingCapabilities, nil)
	c.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("mcp.server.name", result.ServerInfo.Name),
		attribute.String("mcp.server.version", result.ServerInfo.Version),
		attribute.String("mcp.protocol_version", result.ProtocolVersion),
	)
	c.loadCatalog(ctx, gen, result.Capabilities)
}

// handshakeError reports a dropped connection during the handshake as a
// connect failure
func handshakeError(endpoint ServerEndpoint, err error) error {
	if errors.Is(err, mcperrors.ErrConnectionClosed) || errors.Is(err, mcperrors.ErrSend) {
		return mcperrors.ConnectError("session", endpoint.URL, err)
	}
	return err
}

// loadCatalog fetches the catalog until no change notification arrived
// meanwhile. The snapshot becomes current together with the move to Ready,
// and only while gen is the current attempt.
func (c *Client) loadCatalog(ctx context.Context, gen uint64, caps protocol.ServerCapabilities) {
	for {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.dirty = false
		c.mu.Unlock()

		snap, err := c.catalog.Fetch(ctx, c.dispatcher, caps)
		if err != nil {
			c.fail(gen, err)
			return
		}

		c.mu.Lock()
		if gen != c.gen || c.state != LoadingCapabilities {
			c.mu.Unlock()
			return
		}
		if c.dirty {
			c.mu.Unlock()
			c.logger.Debug("catalog changed during refresh, fetching again")
			continue
		}
		c.catalog.Replace(snap)
		if c.setStateLocked(Ready, nil) {
			c.reconnects = 0
		}
		c.mu.Unlock()
		return
	}
}

// beginRefreshLocked moves a Ready session to LoadingCapabilities and
// starts a refresh. The previous snapshot stays visible meanwhile.
func (c *Client) beginRefreshLocked() {
	switch c.state {
	case LoadingCapabilities:
		c.dirty = true
		return
	case Ready:
	default:
		return
	}
	if c.serverInfo == nil || !c.setStateLocked(LoadingCapabilities, nil) {
		return
	}

	gen, ctx, endpoint := c.gen, c.ctx, c.endpoint
	caps := c.serverInfo.Capabilities
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, span := c.startSpan(ctx, "mcp.refresh", endpoint)
		defer span.End()
		c.loadCatalog(ctx, gen, caps)
	}()
}

// readLoop routes inbound frames until the connection ends. A drop moves
// the session to Failed with ConnectionLost.
func (c *Client) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	for frame, err := range conn.Receive(ctx) {
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		msgs, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("discarding malformed frame", logging.ErrorField(err))
			continue
		}
		for _, msg := range msgs {
			switch msg.Kind() {
			case protocol.KindResponse:
				c.dispatcher.Deliver(msg)
			case protocol.KindRequest:
				c.handleRequest(ctx, conn, msg)
			case protocol.KindNotification:
				c.handleNotification(gen, msg)
			default:
				c.logger.Warn("discarding invalid message")
			}
		}
	}
}

func (c *Client) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	state := c.state
	endpoint := c.endpoint
	c.mu.Unlock()

	if !errors.Is(err, mcperrors.ErrConnectionClosed) {
		err = mcperrors.ConnectionLost("session", err)
	}
	if state == Connecting {
		err = mcperrors.ConnectError("session", endpoint.URL, err)
	}
	c.fail(gen, err)
}

// handleRequest answers server-initiated requests: ping gets an empty
// result, anything else MethodNotFound
func (c *Client) handleRequest(ctx context.Context, conn transport.Conn, msg *protocol.Message) {
	var (
		resp *protocol.Response
		err  error
	)
	switch msg.Method {
	case protocol.MethodPing:
		resp, err = protocol.NewResponse(msg.ID, nil)
	default:
		c.logger.Debug("rejecting unsupported server request", logging.String("method", msg.Method))
		resp, err = protocol.NewErrorResponse(msg.ID, protocol.MethodNotFound,
			fmt.Sprintf("method not found: %s", msg.Method), nil)
	}
	if err != nil {
		c.logger.Error("failed to build response", logging.ErrorField(err))
		return
	}
	frame, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to encode response", logging.ErrorField(err))
		return
	}
	if err := conn.Send(ctx, frame); err != nil {
		c.logger.Debug("failed to answer server request",
			logging.String("method", msg.Method),
			logging.ErrorField(err))
	}
}

func (c *Client) handleNotification(gen uint64, msg *protocol.Message) {
	switch {
	case protocol.IsListChanged(msg.Method):
		c.mu.Lock()
		if gen == c.gen {
			c.logger.Info("server capabilities changed",
				logging.String("session_id", c.sessionID),
				logging.String("method", msg.Method))
			c.beginRefreshLocked()
		}
		c.mu.Unlock()

	case msg.Method == protocol.MethodLogMessage:
		c.logServerMessage(msg.Params)

	default:
		c.logger.Debug("ignoring notification", logging.String("method", msg.Method))
	}
}

func (c *Client) logServerMessage(params json.RawMessage) {
	var p protocol.LogMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("malformed log notification", logging.ErrorField(err))
		return
	}
	fields := []logging.Field{
		logging.String("server_logger", p.Logger),
		logging.String("level", string(p.Level)),
		logging.Any("data", p.Data),
	}
	switch p.Level {
	case protocol.LoggingLevelDebug:
		c.logger.Debug("server log", fields...)
	case protocol.LoggingLevelInfo, protocol.LoggingLevelNotice:
		c.logger.Info("server log", fields...)
	case protocol.LoggingLevelWarning:
		c.logger.Warn("server log", fields...)
	default:
		c.logger.Error("server log", fields...)
	}
}

func (c *Client) startSpan(ctx context.Context, name string, endpoint ServerEndpoint) (context.Context, trace.Span) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	return c.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mcp.session_id", sessionID),
			attribute.String("server.address", endpoint.URL),
		))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
