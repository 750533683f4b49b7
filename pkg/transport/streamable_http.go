package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
)

// SessionIDHeader carries the server-assigned session id
const SessionIDHeader = "Mcp-Session-Id"

// listenerMaxFailures bounds consecutive failed attempts to (re)open the
// server push stream before the connection is considered lost
const listenerMaxFailures = 5

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// StreamableHTTPDialer opens MCP Streamable HTTP connections. Each frame is
// POSTed to the endpoint; responses arrive as a JSON body or an SSE stream,
// and server push arrives on a GET listener stream.
type StreamableHTTPDialer struct {
	config TransportConfig
	client *http.Client
	logger logging.Logger
}

// NewStreamableHTTPDialer creates a dialer. A nil client is built from
// config.Connection.
func NewStreamableHTTPDialer(config TransportConfig, client *http.Client, logger logging.Logger) (*StreamableHTTPDialer, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithFields(logging.String("component", "streamable_http"))
	if client == nil {
		var err error
		client, err = NewHTTPClient(config.Connection)
		if err != nil {
			return nil, err
		}
		if config.Observability.EnableLogging {
			client.Transport = logging.NewRoundTripper(logger, client.Transport)
		}
	}
	return &StreamableHTTPDialer{config: config, client: client, logger: logger}, nil
}

// Open probes the endpoint with a GET asking for an event stream. 401/403
// means the server wants a credential; a network failure or 5xx is a
// ConnectError; any other answer means the endpoint is reachable.
func (d *StreamableHTTPDialer) Open(ctx context.Context, endpoint string, opts OpenOptions) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, mcperrors.ConnectError("http", endpoint, err)
	}
	copyHeader(req.Header, opts.Header)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, mcperrors.ConnectError("http", endpoint, err)
	}
	resp.Body.Close()

	switch {
	case isAuthStatus(resp.StatusCode):
		return nil, authFailure(endpoint, resp)
	case resp.StatusCode >= 500:
		return nil, mcperrors.ConnectStatusError("http", endpoint, resp.StatusCode)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &httpConn{
		endpoint: endpoint,
		header:   opts.Header.Clone(),
		client:   d.client,
		config:   d.config,
		logger:   d.logger,
		in:       newInbox(d.config.Performance.BufferSize),
		ctx:      connCtx,
		cancel:   cancel,
	}
	return c, nil
}

type httpConn struct {
	endpoint string
	header   http.Header
	client   *http.Client
	config   TransportConfig
	logger   logging.Logger
	in       *inbox

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	sessionID   string
	lastEventID string
	listening   bool
	closeOnce   sync.Once
}

func (c *httpConn) Send(ctx context.Context, frame []byte) error {
	if c.in.isClosed() || c.in.isFailed() {
		return mcperrors.ErrConnectionClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return mcperrors.SendError("http", err)
	}
	copyHeader(req.Header, c.header)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := c.session(); sid != "" {
		req.Header.Set(SessionIDHeader, sid)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if c.in.isClosed() {
			return mcperrors.ErrConnectionClosed
		}
		return mcperrors.SendError("http", err)
	}

	handedOff := false
	defer func() {
		if !handedOff {
			resp.Body.Close()
		}
	}()

	if resp.StatusCode == http.StatusNotFound && c.session() != "" {
		// the server forgot the session
		lost := mcperrors.ConnectionLost("http", fmt.Errorf("session %s expired", c.session()))
		c.in.fail(lost)
		return lost
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return mcperrors.SendError("http", fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	if sid := resp.Header.Get(SessionIDHeader); sid != "" {
		c.setSession(sid)
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	mediaType := contenttype.NewMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType.Type == eventStreamMediaType.Type && mediaType.Subtype == eventStreamMediaType.Subtype:
		handedOff = true
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer resp.Body.Close()
			c.readEvents(resp.Body, false)
		}()
		return nil
	case mediaType.Type == jsonMediaType.Type && mediaType.Subtype == jsonMediaType.Subtype:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return mcperrors.SendError("http", fmt.Errorf("read response: %w", err))
		}
		if len(bytes.TrimSpace(body)) > 0 {
			c.in.deliver(c.ctx, body)
		}
		return nil
	default:
		c.logger.Debug("ignoring response body",
			logging.String("content_type", resp.Header.Get("Content-Type")),
			logging.Int("status", resp.StatusCode),
		)
		return nil
	}
}

// readEvents delivers each SSE event of body as one frame. It returns the
// number of events read.
func (c *httpConn) readEvents(body io.Reader, track bool) int {
	var cfg *sse.ReadConfig
	if c.config.Performance.MaxEventSize > 0 {
		cfg = &sse.ReadConfig{MaxEventSize: c.config.Performance.MaxEventSize}
	}

	n := 0
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if !errors.Is(err, context.Canceled) && c.ctx.Err() == nil {
				c.logger.WithError(err).Debug("event stream ended")
			}
			return n
		}
		if track && ev.LastEventID != "" {
			c.mu.Lock()
			c.lastEventID = ev.LastEventID
			c.mu.Unlock()
		}
		if ev.Data == "" || (ev.Type != "" && ev.Type != "message") {
			continue
		}
		n++
		if !c.in.deliver(c.ctx, []byte(ev.Data)) {
			return n
		}
	}
	return n
}

// listen keeps the GET push stream open, resuming with Last-Event-ID.
// A server answering 405 does not offer push, which is not an error.
func (c *httpConn) listen() {
	defer c.wg.Done()

	failures := 0
	delay := c.config.Reliability.InitialRetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	for c.ctx.Err() == nil {
		status, err := c.openListener()
		switch {
		case status == http.StatusMethodNotAllowed:
			c.logger.Debug("server does not offer a push stream")
			return
		case err == nil:
			failures = 0
		default:
			failures++
			c.logger.WithError(err).Debug("push stream failed", logging.Int("failures", failures))
			if failures >= listenerMaxFailures {
				c.in.fail(mcperrors.ConnectionLost("http", err))
				return
			}
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *httpConn) openListener() (int, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return 0, err
	}
	copyHeader(req.Header, c.header)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, c.session())
	c.mu.Lock()
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}
	c.mu.Unlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("push stream status %d", resp.StatusCode)
	}
	c.readEvents(resp.Body, true)
	return resp.StatusCode, nil
}

func (c *httpConn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// setSession records the session id; the first one starts the listener
func (c *httpConn) setSession(sid string) {
	c.mu.Lock()
	c.sessionID = sid
	start := !c.listening && c.ctx.Err() == nil
	c.listening = true
	c.mu.Unlock()

	if start {
		c.wg.Add(1)
		go c.listen()
	}
}

func (c *httpConn) Receive(ctx context.Context) iter.Seq2[[]byte, error] {
	return c.in.receive(ctx)
}

// Close ends the session with a best effort DELETE
func (c *httpConn) Close() error {
	c.closeOnce.Do(func() {
		c.in.close()
		c.cancel()

		if sid := c.session(); sid != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
			if err == nil {
				copyHeader(req.Header, c.header)
				req.Header.Set(SessionIDHeader, sid)
				if resp, err := c.client.Do(req); err == nil {
					resp.Body.Close()
				}
			}
		}
		c.wg.Wait()
	})
	return nil
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
