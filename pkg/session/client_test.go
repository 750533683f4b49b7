package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-session-go/internal/mcptest"
	"github.com/ajitpratap0/mcp-session-go/pkg/auth"
	"github.com/ajitpratap0/mcp-session-go/pkg/catalog"
	"github.com/ajitpratap0/mcp-session-go/pkg/dispatch"
	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
	"github.com/ajitpratap0/mcp-session-go/pkg/utils"
)

var testEndpoint = ServerEndpoint{
	URL:           "pipe://test",
	ClientName:    "session-test",
	ClientVersion: "0.1.0",
}

func newTestClient(t *testing.T, srv *mcptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithDialer(srv.Dialer()),
		WithRequestTimeout(2 * time.Second),
	}, opts...)
	c, err := NewClient(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		srv.Drop()
		srv.Wait()
	})
	return c
}

func waitState(t *testing.T, c *Client, states ...State) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := c.WaitFor(ctx, states...)
	require.NoError(t, err, "session stuck in %s", state)
	return state
}

func connectReady(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Connect(testEndpoint))
	require.Equal(t, Ready, waitState(t, c, Ready, Failed), "last error: %v", c.LastError())
}

// collect gathers the transitions delivered by w until one reaches until
func collect(t *testing.T, w <-chan StateChange, until ...State) []StateChange {
	t.Helper()
	var changes []StateChange
	timeout := time.After(5 * time.Second)
	for {
		select {
		case change, ok := <-w:
			require.True(t, ok, "watch closed early")
			changes = append(changes, change)
			for _, s := range until {
				if change.To == s {
					return changes
				}
			}
		case <-timeout:
			t.Fatalf("no transition to %v after %v", until, changes)
		}
	}
}

func targets(changes []StateChange) []State {
	out := make([]State, len(changes))
	for i, c := range changes {
		out[i] = c.To
	}
	return out
}

type deniedFlow struct{ cleared atomic.Int32 }

func (f *deniedFlow) Type() string { return "denied" }

func (f *deniedFlow) Credential(context.Context) (*auth.Credential, error) { return nil, nil }

func (f *deniedFlow) Authenticate(context.Context, *auth.AuthRequest) (*auth.Credential, error) {
	return nil, errors.New("user closed the consent page")
}

func (f *deniedFlow) ClearStorage(context.Context) error {
	f.cleared.Add(1)
	return nil
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	invocations map[string]int
	catalog     map[string]int
	dropped     int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{invocations: map[string]int{}, catalog: map[string]int{}}
}

func (o *recordingObserver) ObserveTransition(from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from+">"+to)
}

func (o *recordingObserver) ObserveInvocation(method string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invocations[method]++
}

func (o *recordingObserver) ObserveDroppedResponse() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func (o *recordingObserver) ObserveCatalogSize(kind string, size int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.catalog[kind] = size
}

func TestConnectReachesReady(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)

	watch := c.Watch(context.Background())
	connectReady(t, c)

	changes := collect(t, watch, Ready)
	assert.Equal(t, []State{Discovering, Connecting, LoadingCapabilities, Ready}, targets(changes))
	assert.Equal(t, Idle, changes[0].From)
	for _, ch := range changes {
		assert.True(t, CanTransition(ch.From, ch.To), "%s -> %s", ch.From, ch.To)
	}

	s := c.Session()
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, testEndpoint, s.Endpoint)
	assert.Equal(t, Ready, s.State)
	assert.NoError(t, s.LastError)
	require.NotNil(t, s.ServerInfo)
	assert.Equal(t, "mcptest", s.ServerInfo.ServerInfo.Name)

	assert.Len(t, c.Tools(), 2)
	assert.Len(t, c.Resources(), 1)
	assert.Len(t, c.Prompts(), 1)
	assert.Equal(t, "search", c.Tools()[0].Name)
	assert.Equal(t, 1, srv.Received(protocol.MethodInitialize))
	assert.Equal(t, 1, srv.Received(protocol.MethodInitialized))
}

func TestCatalogFollowsPages(t *testing.T) {
	srv := mcptest.NewServer()
	srv.SetPageSize(1)
	c := newTestClient(t, srv)

	connectReady(t, c)

	assert.Equal(t, []string{"search", "echo"}, []string{c.Tools()[0].Name, c.Tools()[1].Name})
	assert.Equal(t, 2, srv.Received(protocol.MethodListTools))
}

func TestAuthRequiredThenAuthenticate(t *testing.T) {
	srv := mcptest.NewServer()
	srv.RequireToken("secret")
	flow := auth.NewTokenFlow(auth.TokenFlowConfig{Token: "secret"})
	c := newTestClient(t, srv, WithAuthFlow(flow))

	watch := c.Watch(context.Background())
	require.NoError(t, c.Connect(testEndpoint))
	assert.Equal(t, PendingAuth, waitState(t, c, PendingAuth))

	s := c.Session()
	require.NotNil(t, s.PendingAuth)
	assert.Equal(t, testEndpoint.URL, s.PendingAuth.ServerURL)
	assert.Nil(t, s.Credential)
	assert.Equal(t, 0, srv.Received(protocol.MethodInitialize))

	require.NoError(t, c.Authenticate())
	require.Equal(t, Ready, waitState(t, c, Ready, Failed), "last error: %v", c.LastError())

	changes := collect(t, watch, Ready)
	assert.Equal(t, []State{Discovering, PendingAuth, Authenticating, Connecting, LoadingCapabilities, Ready}, targets(changes))
	for _, ch := range changes {
		assert.True(t, CanTransition(ch.From, ch.To), "%s -> %s", ch.From, ch.To)
	}

	s = c.Session()
	require.NotNil(t, s.Credential)
	assert.Equal(t, "secret", s.Credential.AccessToken)
	assert.Nil(t, s.PendingAuth)
}

func TestStoredCredentialSkipsPendingAuth(t *testing.T) {
	srv := mcptest.NewServer()
	srv.RequireToken("secret")
	flow := auth.NewTokenFlow(auth.TokenFlowConfig{Token: "secret"})
	_, err := flow.Authenticate(context.Background(), &auth.AuthRequest{ServerURL: testEndpoint.URL})
	require.NoError(t, err)

	c := newTestClient(t, srv, WithAuthFlow(flow))
	watch := c.Watch(context.Background())
	connectReady(t, c)

	assert.NotContains(t, targets(collect(t, watch, Ready)), PendingAuth)
	require.NotNil(t, c.Session().Credential)
}

func TestAuthenticateDenied(t *testing.T) {
	srv := mcptest.NewServer()
	srv.RequireToken("secret")
	c := newTestClient(t, srv, WithAuthFlow(&deniedFlow{}))

	require.NoError(t, c.Connect(testEndpoint))
	waitState(t, c, PendingAuth)
	require.NoError(t, c.Authenticate())

	assert.Equal(t, Failed, waitState(t, c, Failed))
	err := c.LastError()
	assert.ErrorIs(t, err, mcperrors.ErrAuth)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestAuthenticateWithRejectedCredential(t *testing.T) {
	srv := mcptest.NewServer()
	srv.RequireToken("secret")
	c := newTestClient(t, srv, WithAuthFlow(auth.NewTokenFlow(auth.TokenFlowConfig{Token: "wrong"})))

	require.NoError(t, c.Connect(testEndpoint))
	waitState(t, c, PendingAuth)
	require.NoError(t, c.Authenticate())
	waitState(t, c, Failed)

	err := c.LastError()
	assert.ErrorIs(t, err, mcperrors.ErrAuth)
	assert.Equal(t, auth.ReasonInvalidCredentials, auth.ReasonOf(err))
	assert.Equal(t, 0, srv.Received(protocol.MethodInitialize))
}

func TestAuthenticateWithoutFlowFails(t *testing.T) {
	srv := mcptest.NewServer()
	srv.RequireToken("secret")
	c := newTestClient(t, srv)

	require.NoError(t, c.Connect(testEndpoint))
	waitState(t, c, PendingAuth)
	require.NoError(t, c.Authenticate())

	waitState(t, c, Failed)
	assert.ErrorIs(t, c.LastError(), mcperrors.ErrAuth)
}

func TestCallToolReturnsPayload(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)
	connectReady(t, c)

	result, err := c.CallTool(context.Background(), "search", map[string]string{"query": "golang"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, `search {"query":"golang"}`, result.Content[0].Text)

	read, err := c.ReadResource(context.Background(), "file:///readme.md")
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "contents of file:///readme.md", read.Contents[0].Text)

	prompt, err := c.GetPrompt(context.Background(), "summarize", map[string]string{"text": "hello"})
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	assert.Equal(t, "hello", prompt.Messages[0].Content.Text)
}

func TestCallToolTimesOutAndSessionStaysReady(t *testing.T) {
	srv := mcptest.NewServer()
	srv.SetToolHandler(func(context.Context, string, json.RawMessage) (*protocol.CallToolResult, error) {
		return nil, mcptest.ErrNoReply
	})
	c := newTestClient(t, srv)
	connectReady(t, c)

	ctx := dispatch.WithTimeout(context.Background(), 100*time.Millisecond)
	start := time.Now()
	_, err := c.CallTool(ctx, "search", map[string]string{"query": "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mcperrors.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	assert.Eventually(t, func() bool {
		return srv.Received(protocol.MethodCancelled) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Ready, c.State())
}

func TestUnknownToolSendsNothing(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)
	connectReady(t, c)

	_, err := c.CallTool(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, mcperrors.ErrUnknownCapability)

	_, err = c.ReadResource(context.Background(), "file:///missing.md")
	assert.ErrorIs(t, err, mcperrors.ErrUnknownCapability)

	assert.Equal(t, 0, srv.Received(protocol.MethodCallTool))
	assert.Equal(t, 0, srv.Received(protocol.MethodReadResource))
}

func TestInvalidArgumentsSendNothing(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)
	connectReady(t, c)

	_, err := c.CallTool(context.Background(), "search", map[string]int{"query": 7})
	require.Error(t, err)
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryValidation))

	_, err = c.GetPrompt(context.Background(), "summarize", nil)
	require.Error(t, err)

	assert.Equal(t, 0, srv.Received(protocol.MethodCallTool))
	assert.Equal(t, 0, srv.Received(protocol.MethodGetPrompt))
}

func TestCallsRejectedOutsideReady(t *testing.T) {
	srv := mcptest.NewServer()
	srv.RequireToken("secret")
	c := newTestClient(t, srv)

	_, err := c.CallTool(context.Background(), "search", map[string]string{"query": "x"})
	assert.ErrorIs(t, err, mcperrors.ErrNotReady)

	require.NoError(t, c.Connect(testEndpoint))
	waitState(t, c, PendingAuth)

	_, err = c.CallTool(context.Background(), "search", map[string]string{"query": "x"})
	assert.ErrorIs(t, err, mcperrors.ErrNotReady)
	assert.Contains(t, err.Error(), "pending_auth")
}

func TestStartCallAndCancel(t *testing.T) {
	srv := mcptest.NewServer()
	srv.SetToolHandler(func(context.Context, string, json.RawMessage) (*protocol.CallToolResult, error) {
		return nil, mcptest.ErrNoReply
	})
	c := newTestClient(t, srv)
	connectReady(t, c)

	call, err := c.StartCall(context.Background(), catalog.KindTool, "search", map[string]string{"query": "x"})
	require.NoError(t, err)
	assert.Equal(t, "search", call.Target())

	assert.True(t, c.Cancel(call.ID()))
	assert.False(t, c.Cancel(call.ID()))

	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, mcperrors.ErrCancelled)
	assert.Eventually(t, func() bool {
		return srv.Received(protocol.MethodCancelled) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionDropThenRetry(t *testing.T) {
	srv := mcptest.NewServer()
	srv.SetToolHandler(func(context.Context, string, json.RawMessage) (*protocol.CallToolResult, error) {
		return nil, mcptest.ErrNoReply
	})
	c := newTestClient(t, srv)
	connectReady(t, c)

	call, err := c.StartCall(context.Background(), catalog.KindTool, "search", map[string]string{"query": "x"})
	require.NoError(t, err)

	srv.Drop()
	waitState(t, c, Failed)
	assert.ErrorIs(t, c.LastError(), mcperrors.ErrConnectionClosed)

	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, mcperrors.ErrConnectionClosed)

	_, err = c.CallTool(context.Background(), "search", map[string]string{"query": "x"})
	assert.ErrorIs(t, err, mcperrors.ErrNotReady)

	watch := c.Watch(context.Background())
	firstID := c.Session().ID
	require.NoError(t, c.Retry())
	require.Equal(t, Ready, waitState(t, c, Ready, Failed))

	changes := collect(t, watch, Ready)
	assert.Equal(t, Failed, changes[0].From)
	assert.Equal(t, Discovering, changes[0].To)
	assert.NotEqual(t, firstID, c.Session().ID)
	assert.NoError(t, c.LastError())
	assert.Equal(t, 2, srv.Received(protocol.MethodInitialize))
}

func TestCatalogClearedWhenSessionFails(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)
	connectReady(t, c)
	require.Len(t, c.Tools(), 2)

	srv.Drop()
	waitState(t, c, Failed)
	assert.Empty(t, c.Tools())
	assert.False(t, c.Catalog().Loaded())

	srv.RequireToken("secret")
	require.NoError(t, c.Retry())
	waitState(t, c, PendingAuth)
	assert.Empty(t, c.Tools())
	assert.False(t, c.Catalog().Loaded())
}

func TestAutoReconnectAfterDrop(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv, WithAutoReconnect(transport.ReliabilityConfig{
		MaxRetries:         3,
		InitialRetryDelay:  10 * time.Millisecond,
		MaxRetryDelay:      50 * time.Millisecond,
		RetryBackoffFactor: 2,
	}))
	connectReady(t, c)

	watch := c.Watch(context.Background())
	srv.Drop()

	changes := collect(t, watch, Ready)
	assert.Equal(t, []State{Failed, Discovering, Connecting, LoadingCapabilities, Ready}, targets(changes))
	assert.Equal(t, 2, srv.Received(protocol.MethodInitialize))
}

func TestAutoReconnectStopsOnConnectFailure(t *testing.T) {
	srv := mcptest.NewServer()
	var down atomic.Bool
	dialer := transport.DialerFunc(func(ctx context.Context, endpoint string, opts transport.OpenOptions) (transport.Conn, error) {
		if down.Load() {
			return nil, mcperrors.ConnectError("pipe", endpoint, errors.New("connection refused"))
		}
		return srv.Dialer().Open(ctx, endpoint, opts)
	})
	c := newTestClient(t, srv, WithDialer(dialer), WithAutoReconnect(transport.ReliabilityConfig{
		MaxRetries:        5,
		InitialRetryDelay: 10 * time.Millisecond,
	}))
	connectReady(t, c)

	watch := c.Watch(context.Background())
	down.Store(true)
	srv.Drop()

	collect(t, watch, Discovering)
	collect(t, watch, Failed)
	assert.ErrorIs(t, c.LastError(), mcperrors.ErrConnect)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Failed, c.State())
	assert.Equal(t, 1, srv.Received(protocol.MethodInitialize))
}

func TestListChangedRefreshesCatalog(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)
	connectReady(t, c)

	before := c.Catalog()
	srv.SetTools(mcptest.SearchTool, protocol.Tool{Name: "fetch", InputSchema: json.RawMessage(`{"type":"object"}`)},
		protocol.Tool{Name: "translate", InputSchema: json.RawMessage(`{"type":"object"}`)})
	release := srv.HoldLists()
	defer release()

	require.NoError(t, srv.Notify(context.Background(), protocol.MethodToolsListChanged, nil))
	waitState(t, c, LoadingCapabilities)

	assert.Same(t, before, c.Catalog())
	assert.Len(t, c.Tools(), 2)
	_, err := c.CallTool(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, mcperrors.ErrNotReady)

	release()
	waitState(t, c, Ready)
	require.Len(t, c.Tools(), 3)
	assert.Equal(t, "translate", c.Tools()[2].Name)
	assert.False(t, c.Catalog().Has(catalog.KindTool, "echo"))
}

func TestListChangedDuringRefreshFetchesAgain(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)
	connectReady(t, c)

	release := srv.HoldLists()
	defer release()
	require.NoError(t, srv.Notify(context.Background(), protocol.MethodToolsListChanged, nil))
	waitState(t, c, LoadingCapabilities)

	require.NoError(t, srv.Notify(context.Background(), protocol.MethodPromptsListChanged, nil))
	// the client handles frames in order, so the answered ping proves the
	// second notification was seen
	_, err := srv.Request(context.Background(), protocol.MethodPing, nil)
	require.NoError(t, err)

	release()
	waitState(t, c, Ready)
	assert.Equal(t, 3, srv.Received(protocol.MethodListTools))
	assert.Equal(t, 3, srv.Received(protocol.MethodListPrompts))
}

func TestRefresh(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)

	assert.ErrorIs(t, c.Refresh(context.Background()), mcperrors.ErrInvalidState)

	connectReady(t, c)
	srv.SetTools(mcptest.SearchTool)
	require.NoError(t, c.Refresh(context.Background()))
	assert.Len(t, c.Tools(), 1)
	assert.Equal(t, Ready, c.State())
}

func TestCatalogFailure(t *testing.T) {
	srv := mcptest.NewServer()
	srv.FailList(protocol.MethodListPrompts, &protocol.Error{Code: protocol.InternalError, Message: "prompt store offline"})
	c := newTestClient(t, srv)

	require.NoError(t, c.Connect(testEndpoint))
	waitState(t, c, Failed)
	err := c.LastError()
	assert.ErrorIs(t, err, mcperrors.ErrCatalog)
	assert.Contains(t, err.Error(), "prompts")

	srv.FailList(protocol.MethodListPrompts, nil)
	require.NoError(t, c.Retry())
	assert.Equal(t, Ready, waitState(t, c, Ready, Failed))
}

func TestSkipsListsTheServerDoesNotOffer(t *testing.T) {
	srv := mcptest.NewServer()
	srv.SetCapabilities(protocol.ServerCapabilities{
		Tools: &protocol.ListChangedCapability{},
	})
	c := newTestClient(t, srv)
	connectReady(t, c)

	assert.Len(t, c.Tools(), 2)
	assert.Empty(t, c.Resources())
	assert.Empty(t, c.Prompts())
	assert.Equal(t, 0, srv.Received(protocol.MethodListResources))
	assert.Equal(t, 0, srv.Received(protocol.MethodListPrompts))
}

func TestAnswersServerRequests(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)
	connectReady(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := srv.Request(ctx, protocol.MethodPing, nil)
	require.NoError(t, err)
	assert.Nil(t, msg.Error)
	assert.JSONEq(t, `{}`, string(msg.Result))

	msg, err = srv.Request(ctx, "sampling/createMessage", map[string]string{"prompt": "hi"})
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, protocol.MethodNotFound, msg.Error.Code)

	require.NoError(t, srv.Notify(ctx, protocol.MethodLogMessage, &protocol.LogMessageParams{
		Level: protocol.LoggingLevelWarning,
		Data:  json.RawMessage(`"disk almost full"`),
	}))
	assert.Equal(t, Ready, c.State())
}

func TestConnectRejections(t *testing.T) {
	srv := mcptest.NewServer()
	srv.RequireToken("secret")
	c := newTestClient(t, srv, WithAuthFlow(auth.NewTokenFlow(auth.TokenFlowConfig{Token: "secret"})))

	err := c.Connect(ServerEndpoint{URL: "ftp://test", ClientName: "x"})
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryValidation))
	assert.Equal(t, Idle, c.State())

	assert.ErrorIs(t, c.Authenticate(), mcperrors.ErrInvalidState)
	assert.ErrorIs(t, c.Retry(), mcperrors.ErrInvalidState)

	require.NoError(t, c.Connect(testEndpoint))
	waitState(t, c, PendingAuth)
	assert.ErrorIs(t, c.Connect(testEndpoint), mcperrors.ErrAlreadyConnecting)
	assert.ErrorIs(t, c.Retry(), mcperrors.ErrInvalidState)

	require.NoError(t, c.Authenticate())
	assert.ErrorIs(t, c.Authenticate(), mcperrors.ErrInvalidState)
	waitState(t, c, Ready)
	assert.ErrorIs(t, c.Connect(testEndpoint), mcperrors.ErrAlreadyConnected)

	srv.Drop()
	waitState(t, c, Failed)
	assert.ErrorIs(t, c.Connect(testEndpoint), mcperrors.ErrAlreadyConnecting)
}

func TestDisconnectFromEveryState(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		c := newTestClient(t, mcptest.NewServer())
		require.NoError(t, c.Disconnect(context.Background(), false))
		assert.Equal(t, Idle, c.State())
	})

	t.Run("pending auth", func(t *testing.T) {
		srv := mcptest.NewServer()
		srv.RequireToken("secret")
		c := newTestClient(t, srv)
		require.NoError(t, c.Connect(testEndpoint))
		waitState(t, c, PendingAuth)

		require.NoError(t, c.Disconnect(context.Background(), false))
		assert.Equal(t, Idle, c.State())
		assert.Nil(t, c.Session().PendingAuth)
	})

	t.Run("loading", func(t *testing.T) {
		srv := mcptest.NewServer()
		release := srv.HoldLists()
		defer release()
		c := newTestClient(t, srv)
		require.NoError(t, c.Connect(testEndpoint))
		waitState(t, c, LoadingCapabilities)

		require.NoError(t, c.Disconnect(context.Background(), false))
		assert.Equal(t, Idle, c.State())
		assert.Empty(t, c.Tools())
		assert.Equal(t, 0, c.dispatcher.Pending())
	})

	t.Run("ready with in-flight call", func(t *testing.T) {
		srv := mcptest.NewServer()
		srv.SetToolHandler(func(context.Context, string, json.RawMessage) (*protocol.CallToolResult, error) {
			return nil, mcptest.ErrNoReply
		})
		c := newTestClient(t, srv)
		connectReady(t, c)

		call, err := c.StartCall(context.Background(), catalog.KindTool, "echo", nil)
		require.NoError(t, err)

		require.NoError(t, c.Disconnect(context.Background(), false))
		_, err = call.Wait(context.Background())
		assert.ErrorIs(t, err, mcperrors.ErrCancelled)
		assert.Equal(t, Idle, c.State())
		assert.Empty(t, c.Tools())
		assert.Eventually(t, func() bool { return srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("failed", func(t *testing.T) {
		srv := mcptest.NewServer()
		c := newTestClient(t, srv)
		connectReady(t, c)
		srv.Drop()
		waitState(t, c, Failed)

		require.NoError(t, c.Disconnect(context.Background(), false))
		assert.Equal(t, Idle, c.State())
		assert.NoError(t, c.LastError())

		connectReady(t, c)
	})
}

func TestDisconnectDuringCatalogLoadLeavesCatalogEmpty(t *testing.T) {
	srv := mcptest.NewServer()
	c := newTestClient(t, srv)

	for i := 0; i < 50; i++ {
		release := srv.HoldLists()
		require.NoError(t, c.Connect(testEndpoint))
		waitState(t, c, LoadingCapabilities)

		release()
		require.NoError(t, c.Disconnect(context.Background(), false))
		require.Equal(t, Idle, c.State())
		require.False(t, c.Catalog().Loaded(), "iteration %d", i)
		require.Empty(t, c.Tools(), "iteration %d", i)
	}
}

func TestDisconnectKeepsCredentialUnlessLogout(t *testing.T) {
	srv := mcptest.NewServer()
	srv.RequireToken("secret")
	flow := auth.NewTokenFlow(auth.TokenFlowConfig{Token: "secret"})
	c := newTestClient(t, srv, WithAuthFlow(flow))

	require.NoError(t, c.Connect(testEndpoint))
	waitState(t, c, PendingAuth)
	require.NoError(t, c.Authenticate())
	waitState(t, c, Ready)

	require.NoError(t, c.Disconnect(context.Background(), false))
	assert.NotNil(t, c.Session().Credential)
	stored, err := flow.Credential(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, stored)

	connectReady(t, c)

	require.NoError(t, c.Disconnect(context.Background(), true))
	assert.Nil(t, c.Session().Credential)
	stored, err = flow.Credential(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)

	require.NoError(t, c.Connect(testEndpoint))
	assert.Equal(t, PendingAuth, waitState(t, c, PendingAuth, Ready))
}

func TestLogoutClearsFlowStorage(t *testing.T) {
	flow := &deniedFlow{}
	c := newTestClient(t, mcptest.NewServer(), WithAuthFlow(flow))

	require.NoError(t, c.Disconnect(context.Background(), false))
	assert.Equal(t, int32(0), flow.cleared.Load())
	require.NoError(t, c.Disconnect(context.Background(), true))
	assert.Equal(t, int32(1), flow.cleared.Load())
}

func TestObserverSeesSessionActivity(t *testing.T) {
	srv := mcptest.NewServer()
	obs := newRecordingObserver()
	c := newTestClient(t, srv, WithObserver(obs))
	connectReady(t, c)

	_, err := c.CallTool(context.Background(), "echo", map[string]string{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.invocations[protocol.MethodCallTool] == 1
	}, 2*time.Second, 10*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{
		"idle>discovering",
		"discovering>connecting",
		"connecting>loading",
		"loading>ready",
	}, obs.transitions)
	assert.Equal(t, 2, obs.catalog["tool"])
	assert.Equal(t, 1, obs.catalog["resource"])
	assert.Equal(t, 1, obs.catalog["prompt"])
	assert.Equal(t, 1, obs.invocations[protocol.MethodInitialize])
}

func TestWatchEndsWithContextAndClose(t *testing.T) {
	c := newTestClient(t, mcptest.NewServer())

	ctx, cancel := context.WithCancel(context.Background())
	w := c.Watch(ctx)
	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-w:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	w = c.Watch(context.Background())
	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-w:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.Connect(testEndpoint), mcperrors.ErrInvalidState)
	_, ok := <-c.Watch(context.Background())
	assert.False(t, ok)
}

func TestWaitForHonorsContext(t *testing.T) {
	c := newTestClient(t, mcptest.NewServer())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	state, err := c.WaitFor(ctx, Ready)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Idle, state)
}

func TestSessionDoesNotLeakGoroutines(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t)

	srv := mcptest.NewServer()
	c, err := NewClient(WithDialer(srv.Dialer()))
	require.NoError(t, err)

	connectReady(t, c)
	_, err = c.CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	srv.Drop()
	waitState(t, c, Failed)
	require.NoError(t, c.Retry())
	waitState(t, c, Ready)

	require.NoError(t, c.Close())
	srv.Wait()
	detector.Check()
}
