package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-session-go/pkg/catalog"
	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
)

type staticLister map[string]string

func (l staticLister) Request(_ context.Context, method string, _ interface{}) (json.RawMessage, error) {
	page, ok := l[method]
	if !ok {
		return nil, fmt.Errorf("unexpected %s", method)
	}
	return json.RawMessage(page), nil
}

type fakeGate struct {
	mu    sync.Mutex
	state string
	ready bool
	snap  *catalog.Snapshot
}

func (g *fakeGate) Ready() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.ready
}

func (g *fakeGate) Snapshot() *catalog.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap
}

func (g *fakeGate) set(state string, ready bool) {
	g.mu.Lock()
	g.state, g.ready = state, ready
	g.mu.Unlock()
}

func readyGate(t testing.TB) *fakeGate {
	t.Helper()
	lister := staticLister{
		protocol.MethodListTools: `{"tools":[
			{"name":"search","inputSchema":{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}},
			{"name":"slow","inputSchema":{"type":"object"}}]}`,
		protocol.MethodListResources: `{"resources":[{"uri":"file:///readme.md","name":"readme"}]}`,
		protocol.MethodListPrompts:   `{"prompts":[{"name":"summarize","arguments":[{"name":"text","required":true}]}]}`,
	}
	caps := protocol.ServerCapabilities{
		Tools:     &protocol.ListChangedCapability{},
		Resources: &protocol.ResourcesCapability{},
		Prompts:   &protocol.ListChangedCapability{},
	}
	snap, err := catalog.New().Refresh(context.Background(), lister, caps)
	require.NoError(t, err)
	return &fakeGate{state: "ready", ready: true, snap: snap}
}

type replyFunc func(*protocol.Response)

type handlerFunc func(msg *protocol.Message, reply replyFunc)

type harness struct {
	d      *Dispatcher
	client transport.Conn
	server transport.Conn

	mu   sync.Mutex
	seen []*protocol.Message
}

func newHarness(t testing.TB, gate Gate, h handlerFunc, opts ...Option) *harness {
	t.Helper()
	client, server := transport.NewPipe(256)
	d := New(gate, opts...)
	d.Attach(client)
	hs := &harness{d: d, client: client, server: server}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for frame, err := range client.Receive(ctx) {
			if err != nil {
				return
			}
			msgs, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			for _, m := range msgs {
				if m.Kind() == protocol.KindResponse {
					d.Deliver(m)
				}
			}
		}
	}()

	reply := func(resp *protocol.Response) {
		b, _ := json.Marshal(resp)
		_ = server.Send(ctx, b)
	}

	go func() {
		defer wg.Done()
		for frame, err := range server.Receive(ctx) {
			if err != nil {
				return
			}
			msgs, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			for _, m := range msgs {
				hs.mu.Lock()
				hs.seen = append(hs.seen, m)
				hs.mu.Unlock()
				if m.Kind() != protocol.KindRequest {
					continue
				}
				if m.Method == protocol.MethodPing {
					resp, _ := protocol.NewResponse(m.ID, nil)
					reply(resp)
					continue
				}
				if h != nil {
					h(m, reply)
				}
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		_ = server.Close()
		wg.Wait()
	})
	return hs
}

// sync round-trips a ping so every frame sent before it has been seen
func (hs *harness) sync(t testing.TB) {
	t.Helper()
	_, err := hs.d.Request(context.Background(), protocol.MethodPing, nil)
	require.NoError(t, err)
}

func (hs *harness) methods() []string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	var out []string
	for _, m := range hs.seen {
		if m.Method != protocol.MethodPing {
			out = append(out, m.Method)
		}
	}
	return out
}

func (hs *harness) find(method string) *protocol.Message {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for _, m := range hs.seen {
		if m.Method == method {
			return m
		}
	}
	return nil
}

func textResult(id json.RawMessage, text string) *protocol.Response {
	resp, _ := protocol.NewResponse(id, &protocol.CallToolResult{
		Content: []protocol.Content{{Type: "text", Text: text}},
	})
	return resp
}

type recordingObserver struct {
	mu          sync.Mutex
	invocations map[string][]error
	dropped     int
}

func (o *recordingObserver) ObserveInvocation(method string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.invocations == nil {
		o.invocations = map[string][]error{}
	}
	o.invocations[method] = append(o.invocations[method], err)
}

func (o *recordingObserver) ObserveDroppedResponse() {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func TestRequestRoundTrip(t *testing.T) {
	hs := newHarness(t, nil, nil)

	result, err := hs.d.Request(context.Background(), protocol.MethodPing, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result))
	assert.Equal(t, 0, hs.d.Pending())
}

func TestCallToolReturnsPayload(t *testing.T) {
	hs := newHarness(t, readyGate(t), func(msg *protocol.Message, reply replyFunc) {
		var params protocol.CallToolParams
		_ = json.Unmarshal(msg.Params, &params)
		reply(textResult(msg.ID, "results for "+string(params.Arguments)))
	})

	result, err := hs.d.CallTool(context.Background(), "search", map[string]string{"query": "x"})
	require.NoError(t, err)
	assert.Equal(t, `results for {"query":"x"}`, result.Text())
}

func TestCallToolTimesOut(t *testing.T) {
	hs := newHarness(t, readyGate(t), nil, WithRequestTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := hs.d.CallTool(context.Background(), "search", map[string]string{"query": "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcperrors.ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, hs.d.Pending())

	assert.Eventually(t, func() bool {
		return hs.find(protocol.MethodCancelled) != nil
	}, time.Second, 10*time.Millisecond)
}

func TestPerCallTimeoutOverride(t *testing.T) {
	hs := newHarness(t, readyGate(t), nil)

	ctx := WithTimeout(context.Background(), 30*time.Millisecond)
	_, err := hs.d.CallTool(ctx, "slow", nil)
	assert.True(t, errors.Is(err, mcperrors.ErrTimeout), "got %v", err)
}

func TestDispatchOutsideReady(t *testing.T) {
	gate := readyGate(t)
	gate.set("connecting", false)
	hs := newHarness(t, gate, nil)

	_, err := hs.d.CallTool(context.Background(), "search", map[string]string{"query": "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcperrors.ErrNotReady))
	assert.Contains(t, err.Error(), "connecting")

	_, err = hs.d.ReadResource(context.Background(), "file:///readme.md")
	assert.True(t, errors.Is(err, mcperrors.ErrNotReady))

	hs.sync(t)
	assert.Empty(t, hs.methods())
}

func TestDispatchUnknownCapability(t *testing.T) {
	hs := newHarness(t, readyGate(t), nil)

	_, err := hs.d.CallTool(context.Background(), "nope", map[string]string{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcperrors.ErrUnknownCapability))

	_, err = hs.d.ReadResource(context.Background(), "file:///missing")
	assert.True(t, errors.Is(err, mcperrors.ErrUnknownCapability))

	_, err = hs.d.GetPrompt(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, mcperrors.ErrUnknownCapability))

	hs.sync(t)
	assert.Empty(t, hs.methods())
}

func TestDispatchValidatesArguments(t *testing.T) {
	hs := newHarness(t, readyGate(t), nil)

	_, err := hs.d.CallTool(context.Background(), "search", map[string]int{"query": 1})
	assert.True(t, errors.Is(err, mcperrors.ErrInvalidParams), "got %v", err)

	_, err = hs.d.CallTool(context.Background(), "search", json.RawMessage(`{not json`))
	assert.True(t, errors.Is(err, mcperrors.ErrInvalidParams), "got %v", err)

	_, err = hs.d.GetPrompt(context.Background(), "summarize", map[string]string{"style": "short"})
	assert.True(t, errors.Is(err, mcperrors.ErrMissingParameter), "got %v", err)

	hs.sync(t)
	assert.Empty(t, hs.methods())
}

func TestReadResourceAndGetPrompt(t *testing.T) {
	hs := newHarness(t, readyGate(t), func(msg *protocol.Message, reply replyFunc) {
		var resp *protocol.Response
		switch msg.Method {
		case protocol.MethodReadResource:
			var p protocol.ReadResourceParams
			_ = json.Unmarshal(msg.Params, &p)
			resp, _ = protocol.NewResponse(msg.ID, &protocol.ReadResourceResult{
				Contents: []protocol.ResourceContents{{URI: p.URI, Text: "# readme"}},
			})
		case protocol.MethodGetPrompt:
			var p protocol.GetPromptParams
			_ = json.Unmarshal(msg.Params, &p)
			resp, _ = protocol.NewResponse(msg.ID, &protocol.GetPromptResult{
				Messages: []protocol.PromptMessage{{Role: "user", Content: protocol.Content{Type: "text", Text: p.Arguments["text"]}}},
			})
		}
		reply(resp)
	})

	res, err := hs.d.ReadResource(context.Background(), "file:///readme.md")
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "# readme", res.Contents[0].Text)

	prompt, err := hs.d.GetPrompt(context.Background(), "summarize", map[string]string{"text": "hello"})
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	assert.Equal(t, "hello", prompt.Messages[0].Content.Text)
}

func TestRemoteError(t *testing.T) {
	hs := newHarness(t, readyGate(t), func(msg *protocol.Message, reply replyFunc) {
		resp, _ := protocol.NewErrorResponse(msg.ID, protocol.InternalError, "tool exploded", nil)
		reply(resp)
	})

	_, err := hs.d.CallTool(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.True(t, mcperrors.IsRemote(err))
	assert.Equal(t, int(protocol.InternalError), mcperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "tool exploded")
}

func TestCancelFailsWaiterAndNotifiesServer(t *testing.T) {
	hs := newHarness(t, readyGate(t), nil)

	call, err := hs.d.Start(context.Background(), catalog.KindTool, "slow", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, hs.d.Pending())

	assert.True(t, hs.d.Cancel(call.ID()))
	assert.False(t, hs.d.Cancel(call.ID()), "second cancel is a no-op")

	_, err = call.Wait(context.Background())
	assert.True(t, errors.Is(err, mcperrors.ErrCancelled), "got %v", err)

	hs.sync(t)
	msg := hs.find(protocol.MethodCancelled)
	require.NotNil(t, msg)
	var params struct {
		RequestID int64 `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, call.ID(), params.RequestID)
}

func TestContextCancellationCancelsCall(t *testing.T) {
	hs := newHarness(t, readyGate(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	call, err := hs.d.Start(ctx, catalog.KindTool, "slow", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = call.Wait(ctx)
	assert.True(t, errors.Is(err, mcperrors.ErrCancelled), "got %v", err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, hs.d.Pending())
}

func TestContextDeadlineMapsToTimeout(t *testing.T) {
	hs := newHarness(t, readyGate(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := hs.d.CallTool(ctx, "slow", nil)
	assert.True(t, errors.Is(err, mcperrors.ErrTimeout), "got %v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestUnknownResponseIsDropped(t *testing.T) {
	obs := &recordingObserver{}
	hs := newHarness(t, readyGate(t), nil, WithObserver(obs))

	stray := &protocol.Message{JSONRPC: protocol.JSONRPCVersion, ID: json.RawMessage(`999`), Result: json.RawMessage(`{}`)}
	assert.False(t, hs.d.Deliver(stray))

	call, err := hs.d.Start(context.Background(), catalog.KindTool, "slow", nil)
	require.NoError(t, err)
	require.True(t, hs.d.Cancel(call.ID()))

	late := &protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      json.RawMessage(fmt.Sprint(call.ID())),
		Result:  json.RawMessage(`{"content":[]}`),
	}
	assert.False(t, hs.d.Deliver(late), "a retired id never resolves a caller")

	_, err = call.Wait(context.Background())
	assert.True(t, errors.Is(err, mcperrors.ErrCancelled))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.dropped)
}

func TestCloseFailsInFlightCalls(t *testing.T) {
	hs := newHarness(t, readyGate(t), nil)

	call, err := hs.d.Start(context.Background(), catalog.KindTool, "slow", nil)
	require.NoError(t, err)

	hs.d.Close(mcperrors.ConnectionLost("pipe", nil))
	_, err = call.Wait(context.Background())
	assert.True(t, errors.Is(err, mcperrors.ErrConnectionClosed), "got %v", err)
	assert.Equal(t, 0, hs.d.Pending())

	_, err = hs.d.Request(context.Background(), protocol.MethodPing, nil)
	assert.True(t, errors.Is(err, mcperrors.ErrConnectionClosed))
	assert.True(t, errors.Is(hs.d.Notify(context.Background(), protocol.MethodInitialized, nil), mcperrors.ErrConnectionClosed))
}

func TestSendFailureRetiresID(t *testing.T) {
	hs := newHarness(t, readyGate(t), nil)
	require.NoError(t, hs.client.Close())

	_, err := hs.d.CallTool(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Equal(t, 0, hs.d.Pending())
}

func TestConcurrentCallsCompleteOutOfOrder(t *testing.T) {
	const n = 50

	var mu sync.Mutex
	var held []*protocol.Message
	hs := newHarness(t, readyGate(t), func(msg *protocol.Message, reply replyFunc) {
		mu.Lock()
		held = append(held, msg)
		batch := held
		if len(held) == n {
			held = nil
		}
		mu.Unlock()
		if len(batch) < n {
			return
		}
		for i := len(batch) - 1; i >= 0; i-- {
			reply(textResult(batch[i].ID, string(batch[i].ID)))
		}
	})

	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call, err := hs.d.Start(context.Background(), catalog.KindTool, "slow", nil)
			if !assert.NoError(t, err) {
				return
			}
			result, err := call.Wait(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			var out protocol.CallToolResult
			assert.NoError(t, json.Unmarshal(result.Payload, &out))
			assert.Equal(t, fmt.Sprint(call.ID()), out.Text(), "response matched to its own request")
			assert.Equal(t, call.ID(), result.RequestID)
			ids <- call.ID()
		}()
	}
	wg.Wait()
	close(ids)

	unique := map[int64]bool{}
	for id := range ids {
		assert.False(t, unique[id], "id %d reused", id)
		unique[id] = true
	}
	assert.Len(t, unique, n)
}

func TestIDsIncreaseAcrossConnections(t *testing.T) {
	hs := newHarness(t, readyGate(t), nil)

	first, err := hs.d.Start(context.Background(), catalog.KindTool, "slow", nil)
	require.NoError(t, err)
	hs.d.Close(nil)

	client, _ := transport.NewPipe(8)
	defer client.Close()
	hs.d.Attach(client)
	second, err := hs.d.Start(context.Background(), catalog.KindTool, "slow", nil)
	require.NoError(t, err)
	assert.Greater(t, second.ID(), first.ID())
	hs.d.Close(nil)
}

func TestObserverSeesInvocations(t *testing.T) {
	obs := &recordingObserver{}
	hs := newHarness(t, readyGate(t), func(msg *protocol.Message, reply replyFunc) {
		reply(textResult(msg.ID, "ok"))
	}, WithObserver(obs), WithRequestTimeout(time.Second))

	_, err := hs.d.CallTool(context.Background(), "slow", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		calls := obs.invocations[protocol.MethodCallTool]
		return len(calls) == 1 && calls[0] == nil
	}, time.Second, 5*time.Millisecond)
}
