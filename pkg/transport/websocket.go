package transport

import (
	"context"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
)

// WebSocketSubprotocol is offered during the upgrade handshake
const WebSocketSubprotocol = "mcp"

// WebSocketDialer opens ws:// and wss:// connections. Each text message is
// one frame.
type WebSocketDialer struct {
	config TransportConfig
	dialer *websocket.Dialer
	logger logging.Logger
}

// NewWebSocketDialer creates a WebSocket dialer from config
func NewWebSocketDialer(config TransportConfig, logger logging.Logger) (*WebSocketDialer, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	tlsConfig, err := config.Connection.TLS.build()
	if err != nil {
		return nil, err
	}
	return &WebSocketDialer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.Connection.Timeout,
			TLSClientConfig:  tlsConfig,
			Subprotocols:     []string{WebSocketSubprotocol},
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
		logger: logger.WithFields(logging.String("component", "websocket")),
	}, nil
}

// Open implements Dialer
func (d *WebSocketDialer) Open(ctx context.Context, endpoint string, opts OpenOptions) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, opts.Header.Clone())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if isAuthStatus(resp.StatusCode) {
				return nil, authFailure(endpoint, resp)
			}
			if resp.StatusCode >= 500 {
				return nil, mcperrors.ConnectStatusError("websocket", endpoint, resp.StatusCode)
			}
		}
		return nil, mcperrors.ConnectError("websocket", endpoint, err)
	}

	if limit := d.config.Performance.MaxEventSize; limit > 0 {
		conn.SetReadLimit(int64(limit))
	}

	c := &wsConn{
		conn:   conn,
		in:     newInbox(d.config.Performance.BufferSize),
		logger: d.logger,
		done:   make(chan struct{}),
	}
	go c.readLoop()

	d.logger.Debug("websocket connected", logging.String("subprotocol", conn.Subprotocol()))
	return c, nil
}

type wsConn struct {
	conn   *websocket.Conn
	in     *inbox
	logger logging.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.in.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket closed by peer")
			} else {
				c.logger.WithError(err).Warn("websocket read failed, connection lost")
			}
			c.in.fail(mcperrors.ConnectionLost("websocket", err))
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if !c.in.deliver(context.Background(), data) {
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.in.isClosed() || c.in.isFailed() {
		return mcperrors.ErrConnectionClosed
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return mcperrors.SendError("websocket", err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) iter.Seq2[[]byte, error] {
	return c.in.receive(ctx)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.in.close()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
		<-c.done
	})
	return err
}
