// Package session drives the lifecycle of one MCP session: discovery,
// authentication, handshake, capability loading and recovery. A Client
// owns exactly one session at a time and exposes its state, its catalog
// and the calls that may be made while it is Ready.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/mcp-session-go/pkg/auth"
	"github.com/ajitpratap0/mcp-session-go/pkg/catalog"
	"github.com/ajitpratap0/mcp-session-go/pkg/dispatch"
	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
)

const instrumentationName = "github.com/ajitpratap0/mcp-session-go/pkg/session"

// watchBuffer is the number of undelivered changes a watcher may lag
const watchBuffer = 32

// Session is a point-in-time view of the active session
type Session struct {
	ID         string
	Endpoint   ServerEndpoint
	State      State
	LastError  error
	Credential *auth.Credential
	ServerInfo *protocol.InitializeResult
	// PendingAuth describes the server's challenge while in PendingAuth
	PendingAuth *auth.AuthRequest
}

// Client is the session engine. All methods are safe for concurrent use.
// Lifecycle methods return once the transition is applied; the work behind
// it runs in the background and its outcome is observed through State,
// Watch and WaitFor.
type Client struct {
	dialer         transport.Dialer
	flow           auth.Flow
	logger         logging.Logger
	observer       Observer
	tracer         trace.Tracer
	reconnect      *transport.ReliabilityConfig
	requestTimeout time.Duration
	maxPages       int
	clientCaps     protocol.ClientCapabilities

	catalog    *catalog.Catalog
	dispatcher *dispatch.Dispatcher

	mu          sync.Mutex
	state       State
	lastErr     error
	gen         uint64
	cancel      context.CancelFunc
	ctx         context.Context
	endpoint    ServerEndpoint
	sessionID   string
	conn        transport.Conn
	credential  *auth.Credential
	serverInfo  *protocol.InitializeResult
	pendingAuth *auth.AuthRequest
	dirty       bool
	reconnects  int
	changed     chan struct{}
	watchers    map[chan StateChange]struct{}
	closed      bool
	done        chan struct{}

	wg sync.WaitGroup
}

// NewClient creates an idle client
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		logger:   logging.Nop(),
		state:    Idle,
		changed:  make(chan struct{}),
		watchers: make(map[chan StateChange]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(instrumentationName)
	}

	if c.dialer == nil {
		var frames transport.FrameObserver
		if c.observer != nil {
			frames, _ = c.observer.(transport.FrameObserver)
		}
		registry, err := transport.NewDefaultRegistry(transport.DefaultTransportConfig(), frames, c.logger)
		if err != nil {
			return nil, err
		}
		c.dialer = registry
	}

	catalogOpts := []catalog.Option{catalog.WithLogger(c.logger)}
	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(c.logger),
		dispatch.WithTracer(c.tracer),
	}
	if c.observer != nil {
		catalogOpts = append(catalogOpts, catalog.WithObserver(c.observer))
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(c.observer))
	}
	if c.maxPages > 0 {
		catalogOpts = append(catalogOpts, catalog.WithMaxPages(c.maxPages))
	}
	if c.requestTimeout > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithRequestTimeout(c.requestTimeout))
	}

	c.catalog = catalog.New(catalogOpts...)
	c.dispatcher = dispatch.New(c, dispatchOpts...)
	return c, nil
}

// Connect starts a session with endpoint. It fails with AlreadyConnected
// when Ready and with AlreadyConnecting in any other state but Idle. A
// Failed session restarts with Retry or is cleared with Disconnect first.
func (c *Client) Connect(endpoint ServerEndpoint) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return mcperrors.InvalidState("connect", "closed")
	}
	switch {
	case c.state == Ready:
		return mcperrors.AlreadyConnected()
	case c.state != Idle:
		return mcperrors.AlreadyConnecting(c.state.String())
	}

	c.endpoint = endpoint
	c.reconnects = 0
	c.startAttemptLocked()
	return nil
}

// Retry restarts a Failed session from discovery with the same endpoint
func (c *Client) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Failed || c.closed {
		return mcperrors.InvalidState("retry", c.state.String())
	}
	c.startAttemptLocked()
	return nil
}

// Authenticate runs the auth flow for a session in PendingAuth
func (c *Client) Authenticate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != PendingAuth {
		return mcperrors.InvalidState("authenticate", c.state.String())
	}
	if !c.setStateLocked(Authenticating, nil) {
		return mcperrors.InvalidState("authenticate", c.state.String())
	}

	gen, ctx, req := c.gen, c.ctx, c.pendingAuth
	c.pendingAuth = nil
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.authenticate(ctx, gen, req)
	}()
	return nil
}

// Disconnect returns the session to Idle from any state. In-flight calls
// fail with Cancelled and the connection is closed. The stored credential
// is cleared only when logout is true. Disconnect waits for the session's
// background work to stop or ctx to end.
func (c *Client) Disconnect(ctx context.Context, logout bool) error {
	c.mu.Lock()
	conn := c.abandonLocked()
	c.catalog.Clear()
	if c.state != Idle {
		c.setStateLocked(Idle, nil)
	}
	c.lastErr = nil
	c.pendingAuth = nil
	c.serverInfo = nil
	c.dirty = false
	c.reconnects = 0
	if logout {
		c.credential = nil
	}
	c.mu.Unlock()

	c.dispatcher.Close(mcperrors.Cancelled("disconnect"))
	if conn != nil {
		_ = conn.Close()
	}

	if logout && c.flow != nil {
		if err := c.flow.ClearStorage(ctx); err != nil {
			c.logger.Warn("failed to clear credential storage", logging.ErrorField(err))
		}
	}

	return c.waitWorkers(ctx)
}

// Close disconnects and releases every watcher. The client cannot be
// reused afterwards.
func (c *Client) Close() error {
	err := c.Disconnect(context.Background(), false)

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
	return err
}

// State returns the current state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the failure that moved the session to Failed
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Session returns a snapshot of the active session
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Session{
		ID:         c.sessionID,
		Endpoint:   c.endpoint,
		State:      c.state,
		LastError:  c.lastErr,
		ServerInfo: c.serverInfo,
	}
	if c.credential != nil {
		cred := *c.credential
		s.Credential = &cred
	}
	if c.pendingAuth != nil {
		req := *c.pendingAuth
		s.PendingAuth = &req
	}
	return s
}

// Watch delivers every applied transition until ctx ends or the client is
// closed. A watcher that falls more than a few dozen changes behind misses
// changes rather than blocking the state machine.
func (c *Client) Watch(ctx context.Context) <-chan StateChange {
	ch := make(chan StateChange, watchBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch
	}
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.mu.Lock()
		delete(c.watchers, ch)
		close(ch)
		c.mu.Unlock()
	}()
	return ch
}

// WaitFor blocks until the session is in one of states or ctx ends, and
// returns the state it observed
func (c *Client) WaitFor(ctx context.Context, states ...State) (State, error) {
	for {
		c.mu.Lock()
		current, changed := c.state, c.changed
		c.mu.Unlock()

		for _, s := range states {
			if current == s {
				return current, nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return current, ctx.Err()
		}
	}
}

// Ready implements dispatch.Gate
func (c *Client) Ready() (string, bool) {
	state := c.State()
	return state.String(), state == Ready
}

// Snapshot implements dispatch.Gate
func (c *Client) Snapshot() *catalog.Snapshot {
	return c.catalog.Snapshot()
}

// Catalog returns the current catalog snapshot. During a refresh it is the
// previous, stale snapshot.
func (c *Client) Catalog() *catalog.Snapshot {
	return c.catalog.Snapshot()
}

// Tools returns the cached tools in server order
func (c *Client) Tools() []protocol.Tool {
	return c.catalog.Tools()
}

// Resources returns the cached resources in server order
func (c *Client) Resources() []protocol.Resource {
	return c.catalog.Resources()
}

// Prompts returns the cached prompts in server order
func (c *Client) Prompts() []protocol.Prompt {
	return c.catalog.Prompts()
}

// CallTool invokes a tool. args is any JSON-encodable value.
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (*protocol.CallToolResult, error) {
	return c.dispatcher.CallTool(ctx, name, args)
}

// ReadResource reads a resource by URI
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	return c.dispatcher.ReadResource(ctx, uri)
}

// GetPrompt renders a prompt
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	return c.dispatcher.GetPrompt(ctx, name, args)
}

// StartCall issues a call without waiting for its result
func (c *Client) StartCall(ctx context.Context, kind catalog.Kind, target string, args interface{}) (*dispatch.Call, error) {
	return c.dispatcher.Start(ctx, kind, target, args)
}

// Cancel cancels the in-flight call with id
func (c *Client) Cancel(id int64) bool {
	return c.dispatcher.Cancel(id)
}

// Refresh re-fetches the catalog of a Ready session and waits for the
// outcome
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Ready {
		state := c.state
		c.mu.Unlock()
		return mcperrors.InvalidState("refresh", state.String())
	}
	c.beginRefreshLocked()
	gen := c.gen
	c.mu.Unlock()

	state, err := c.WaitFor(ctx, Ready, Failed, Idle)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if state == Failed && c.gen == gen {
		return c.lastErr
	}
	if state == Idle {
		return mcperrors.Cancelled("refresh")
	}
	return nil
}

// startAttemptLocked abandons any previous attempt and begins discovery
func (c *Client) startAttemptLocked() {
	conn := c.abandonLocked()
	if conn != nil {
		go conn.Close()
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sessionID = uuid.NewString()
	c.serverInfo = nil
	c.pendingAuth = nil
	c.dirty = false
	c.catalog.Clear()
	if !c.setStateLocked(Discovering, nil) {
		return
	}

	gen, ctx, endpoint := c.gen, c.ctx, c.endpoint
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.discover(ctx, gen, endpoint)
	}()
}

// abandonLocked makes every result of the current attempt inert and
// detaches its connection, which the caller closes
func (c *Client) abandonLocked() transport.Conn {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

// setStateLocked applies one transition. Transitions outside the table are
// rejected and logged.
func (c *Client) setStateLocked(to State, cause error) bool {
	from := c.state
	if !CanTransition(from, to) {
		c.logger.Warn("rejected state transition",
			logging.String("session_id", c.sessionID),
			logging.String("from", from.String()),
			logging.String("to", to.String()))
		return false
	}

	c.state = to
	switch to {
	case Failed:
		c.lastErr = cause
	case Discovering, Idle:
		c.lastErr = nil
	}

	change := StateChange{From: from, To: to, Err: cause, At: time.Now()}
	close(c.changed)
	c.changed = make(chan struct{})
	for ch := range c.watchers {
		select {
		case ch <- change:
		default:
			c.logger.Debug("watcher lagging, dropped state change",
				logging.String("to", to.String()))
		}
	}

	if c.observer != nil {
		c.observer.ObserveTransition(from.String(), to.String())
	}

	fields := []logging.Field{
		logging.String("session_id", c.sessionID),
		logging.String("from", from.String()),
		logging.String("state", to.String()),
	}
	if cause != nil {
		c.logger.WithError(cause).Warn("session state changed", fields...)
	} else {
		c.logger.Info("session state changed", fields...)
	}
	return true
}

// transition applies to when gen is still the current attempt
func (c *Client) transition(gen uint64, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	return c.setStateLocked(to, nil)
}

// fail moves the attempt gen to Failed with err and tears down its
// connection
func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state == Failed || c.state == Idle {
		c.mu.Unlock()
		return
	}
	c.catalog.Clear()
	if !c.setStateLocked(Failed, err) {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	reconnect := c.scheduleReconnectLocked(err)
	c.mu.Unlock()

	c.dispatcher.Close(err)
	if conn != nil {
		_ = conn.Close()
	}
	if reconnect != nil {
		reconnect()
	}
}

func (c *Client) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen
}

func (c *Client) waitWorkers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scheduleReconnectLocked returns a func that starts the reconnect timer
// when auto-reconnect is enabled and err is a lost connection
func (c *Client) scheduleReconnectLocked(err error) func() {
	if c.reconnect == nil || !lostConnection(err) {
		return nil
	}
	if c.reconnect.MaxRetries >= 0 && c.reconnects >= c.reconnect.MaxRetries {
		c.logger.Warn("giving up reconnecting",
			logging.String("session_id", c.sessionID),
			logging.Int("attempts", c.reconnects))
		return nil
	}
	c.reconnects++
	delay := transport.Backoff(*c.reconnect, c.reconnects)
	gen, ctx := c.gen, c.ctx
	c.logger.Info("scheduling reconnect",
		logging.String("session_id", c.sessionID),
		logging.Int("attempt", c.reconnects),
		logging.Duration("delay", delay))

	c.wg.Add(1)
	return func() {
		go func() {
			defer c.wg.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}

			c.mu.Lock()
			defer c.mu.Unlock()
			if gen != c.gen || c.state != Failed || c.closed {
				return
			}
			c.startAttemptLocked()
		}()
	}
}

// lostConnection reports whether err is a drop of an established session.
// A drop during the handshake is a connect failure and is not retried.
func lostConnection(err error) bool {
	return errors.Is(err, mcperrors.ErrConnectionClosed) && !errors.Is(err, mcperrors.ErrConnect)
}
