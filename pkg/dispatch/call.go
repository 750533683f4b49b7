package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/mcp-session-go/pkg/catalog"
	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
)

// Gate decides whether capability calls may be issued
type Gate interface {
	// Ready reports whether dispatch is allowed and names the current state
	Ready() (state string, ok bool)

	// Snapshot returns the catalog calls are checked against
	Snapshot() *catalog.Snapshot
}

// Result is the successful outcome of a call
type Result struct {
	RequestID int64
	Payload   json.RawMessage
}

// Call is one in-flight request
type Call struct {
	d       *Dispatcher
	id      int64
	method  string
	target  string
	started time.Time
	done    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	timer *time.Timer
	span  trace.Span

	result json.RawMessage
	err    error
}

func newCall(d *Dispatcher, id int64, method, target string) *Call {
	return &Call{
		d:       d,
		id:      id,
		method:  method,
		target:  target,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// ID returns the request id
func (c *Call) ID() int64 { return c.id }

// Method returns the JSON-RPC method
func (c *Call) Method() string { return c.method }

// Target returns the tool name, resource URI or prompt name
func (c *Call) Target() string { return c.target }

// Done is closed once the call has an outcome
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call completes. If ctx ends first the call is
// cancelled: a deadline yields Timeout, anything else Cancelled.
func (c *Call) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.d.abort(c.id, ctx.Err())
		<-c.done
	}
	if c.err != nil {
		return nil, c.err
	}
	return &Result{RequestID: c.id, Payload: c.result}, nil
}

func (c *Call) arm(after time.Duration, expire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.timer = time.AfterFunc(after, expire)
}

func (c *Call) complete(result json.RawMessage, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.result = result
		c.err = err
		close(c.done)
		span := c.span
		c.mu.Unlock()

		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()
		}
		c.d.observe(c)
	})
}

func spanAttributes(method, target string, id int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
		attribute.Int64("rpc.jsonrpc.request_id", id),
	}
	if target != method {
		attrs = append(attrs, attribute.String("mcp.target", target))
	}
	return attrs
}

// Start checks the gate and the catalog, validates args and sends the
// request for kind and target without waiting for the response. For tools
// args is any JSON-encodable value; for prompts it is a map[string]string;
// resources take no arguments.
func (d *Dispatcher) Start(ctx context.Context, kind catalog.Kind, target string, args interface{}) (*Call, error) {
	snap, err := d.admit(kind, target)
	if err != nil {
		return nil, err
	}

	switch kind {
	case catalog.KindTool:
		raw, err := encodeArguments(target, args)
		if err != nil {
			return nil, err
		}
		if err := snap.ValidateToolArguments(target, raw); err != nil {
			return nil, err
		}
		return d.start(ctx, protocol.MethodCallTool, target, &protocol.CallToolParams{
			Name:      target,
			Arguments: raw,
		})

	case catalog.KindResource:
		return d.start(ctx, protocol.MethodReadResource, target, &protocol.ReadResourceParams{URI: target})

	case catalog.KindPrompt:
		promptArgs, err := promptArguments(target, args)
		if err != nil {
			return nil, err
		}
		if err := snap.ValidatePromptArguments(target, promptArgs); err != nil {
			return nil, err
		}
		return d.start(ctx, protocol.MethodGetPrompt, target, &protocol.GetPromptParams{
			Name:      target,
			Arguments: promptArgs,
		})
	}
	return nil, mcperrors.UnknownCapability(string(kind), target)
}

// CallTool invokes a tool and decodes its result
func (d *Dispatcher) CallTool(ctx context.Context, name string, args interface{}) (*protocol.CallToolResult, error) {
	var result protocol.CallToolResult
	if err := d.invoke(ctx, catalog.KindTool, name, args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadResource reads a resource by URI
func (d *Dispatcher) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	var result protocol.ReadResourceResult
	if err := d.invoke(ctx, catalog.KindResource, uri, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPrompt renders a prompt with args
func (d *Dispatcher) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	var result protocol.GetPromptResult
	if err := d.invoke(ctx, catalog.KindPrompt, name, args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (d *Dispatcher) invoke(ctx context.Context, kind catalog.Kind, target string, args, out interface{}) error {
	call, err := d.Start(ctx, kind, target, args)
	if err != nil {
		return err
	}
	result, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result.Payload, out); err != nil {
		return mcperrors.WrapError(err, mcperrors.CodeProtocolError,
			fmt.Sprintf("malformed %s result", call.method),
			mcperrors.CategoryProtocol, mcperrors.SeverityError)
	}
	return nil
}

func (d *Dispatcher) admit(kind catalog.Kind, target string) (*catalog.Snapshot, error) {
	if d.gate == nil {
		return nil, mcperrors.NotReady("unknown")
	}
	if state, ok := d.gate.Ready(); !ok {
		return nil, mcperrors.NotReady(state)
	}
	snap := d.gate.Snapshot()
	if snap == nil || !snap.Has(kind, target) {
		return nil, mcperrors.UnknownCapability(string(kind), target)
	}
	return snap, nil
}

func encodeArguments(target string, args interface{}) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(v) {
			return nil, mcperrors.InvalidParams(target, "arguments are not valid JSON", nil)
		}
		return v, nil
	case []byte:
		return encodeArguments(target, json.RawMessage(v))
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, mcperrors.InvalidParams(target, "arguments cannot be encoded", err)
	}
	return raw, nil
}

func promptArguments(target string, args interface{}) (map[string]string, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return v, nil
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil, mcperrors.InvalidParams(target, fmt.Sprintf("argument %q must be a string", k), nil)
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, mcperrors.InvalidParams(target, fmt.Sprintf("unsupported prompt arguments %T", args), nil)
}
