// Package dispatch correlates JSON-RPC requests with their responses over a
// single connection. Every request gets a fresh monotonic id, a deadline and
// a waiter; responses are matched by id and anything that matches no
// in-flight request is dropped.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
)

// DefaultRequestTimeout bounds how long a request waits for its response
const DefaultRequestTimeout = 30 * time.Second

// cancelNotifyTimeout bounds the best-effort notifications/cancelled send
const cancelNotifyTimeout = 2 * time.Second

const instrumentationName = "github.com/ajitpratap0/mcp-session-go/pkg/dispatch"

// Observer is told about finished invocations and dropped responses
type Observer interface {
	ObserveInvocation(method string, duration time.Duration, err error)
	ObserveDroppedResponse()
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithRequestTimeout sets the default per-request timeout
func WithRequestTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver reports invocation outcomes to o
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithTracer sets the tracer used for invocation spans
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

type timeoutKey struct{}

// WithTimeout returns a context that overrides the dispatcher's default
// timeout for requests started with it
func WithTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, timeoutKey{}, d)
}

func timeoutFrom(ctx context.Context, fallback time.Duration) time.Duration {
	if d, ok := ctx.Value(timeoutKey{}).(time.Duration); ok && d > 0 {
		return d
	}
	return fallback
}

// Dispatcher sends requests on the attached connection and routes responses
// back to their callers. It is safe for concurrent use.
type Dispatcher struct {
	gate     Gate
	timeout  time.Duration
	logger   logging.Logger
	observer Observer
	tracer   trace.Tracer
	nextID   atomic.Int64

	mu      sync.Mutex
	conn    transport.Conn
	pending map[int64]*Call
}

// New creates a dispatcher. gate controls the capability methods; Request
// and Notify are not gated.
func New(gate Gate, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gate:    gate,
		timeout: DefaultRequestTimeout,
		logger:  logging.Nop(),
		tracer:  otel.Tracer(instrumentationName),
		pending: make(map[int64]*Call),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attach makes conn the connection for subsequent requests. Ids keep
// increasing across connections.
func (d *Dispatcher) Attach(conn transport.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
}

// Close detaches the connection and fails every in-flight call with err
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = mcperrors.ErrConnectionClosed
	}

	d.mu.Lock()
	calls := d.pending
	d.pending = make(map[int64]*Call)
	d.conn = nil
	d.mu.Unlock()

	for _, call := range calls {
		call.complete(nil, err)
	}
	if len(calls) > 0 {
		d.logger.Debug("failed in-flight requests",
			logging.Int("count", len(calls)),
			logging.ErrorField(err))
	}
}

// Pending returns the number of in-flight requests
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Deliver routes a response message to its waiter. It reports false when
// the id matches no in-flight request, in which case the message is dropped.
func (d *Dispatcher) Deliver(msg *protocol.Message) bool {
	var call *Call
	if id, ok := msg.IntID(); ok {
		call = d.retire(id)
	}
	if call == nil {
		d.logger.Warn("dropping response for unknown request",
			logging.String("id", string(msg.ID)))
		if d.observer != nil {
			d.observer.ObserveDroppedResponse()
		}
		return false
	}

	if msg.Error != nil {
		call.complete(nil, mcperrors.RemoteError(call.method, msg.Error))
		return true
	}
	call.complete(msg.Result, nil)
	return true
}

// Request sends method with params and waits for the result. It is used
// for the handshake and list operations and ignores the gate.
func (d *Dispatcher) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	call, err := d.start(ctx, method, method, params)
	if err != nil {
		return nil, err
	}
	result, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return result.Payload, nil
}

// Notify sends a notification on the attached connection
func (d *Dispatcher) Notify(ctx context.Context, method string, params interface{}) error {
	conn := d.attached()
	if conn == nil {
		return mcperrors.ErrConnectionClosed
	}
	return sendNotification(ctx, conn, method, params)
}

// Cancel retires the request with id, fails its waiter with Cancelled and
// tells the server. It reports false when id is not in flight.
func (d *Dispatcher) Cancel(id int64) bool {
	call := d.retire(id)
	if call == nil {
		return false
	}
	call.complete(nil, mcperrors.Cancelled(call.method))
	d.notifyCancelled(id, "cancelled by client")
	return true
}

func (d *Dispatcher) start(ctx context.Context, method, target string, params interface{}) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(method, err)
	}
	conn := d.attached()
	if conn == nil {
		return nil, mcperrors.ErrConnectionClosed
	}

	id := d.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, mcperrors.InvalidParams(target, "parameters cannot be encoded", err)
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, mcperrors.InvalidParams(target, "request cannot be encoded", err)
	}

	call := newCall(d, id, method, target)
	_, call.span = d.tracer.Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(spanAttributes(method, target, id)...))

	d.mu.Lock()
	d.pending[id] = call
	d.mu.Unlock()

	timeout := timeoutFrom(ctx, d.timeout)
	call.arm(timeout, func() { d.expire(id, timeout) })

	if err := conn.Send(ctx, frame); err != nil {
		if c := d.retire(id); c != nil {
			c.complete(nil, err)
		}
		return nil, err
	}

	d.logger.Debug("request sent",
		logging.Int64("id", id),
		logging.String("method", method))
	return call, nil
}

func (d *Dispatcher) attached() transport.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func (d *Dispatcher) retire(id int64) *Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	call, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	return call
}

func (d *Dispatcher) expire(id int64, after time.Duration) {
	call := d.retire(id)
	if call == nil {
		return
	}
	call.complete(nil, mcperrors.Timeout(call.method, after))
	d.notifyCancelled(id, "request timed out")
}

// abort ends a call whose waiter gave up through its context
func (d *Dispatcher) abort(id int64, cause error) {
	call := d.retire(id)
	if call == nil {
		return
	}
	call.complete(nil, contextError(call.method, cause))
	d.notifyCancelled(id, cause.Error())
}

// contextError maps a context error to Timeout or Cancelled, keeping the
// context error in the chain
func contextError(method string, cause error) error {
	if cause == context.DeadlineExceeded {
		return mcperrors.WrapError(cause, mcperrors.CodeOperationTimeout,
			method+" timed out", mcperrors.CategoryTimeout, mcperrors.SeverityError)
	}
	return mcperrors.WrapError(cause, mcperrors.CodeOperationCancelled,
		method+" cancelled", mcperrors.CategoryCancelled, mcperrors.SeverityInfo)
}

func (d *Dispatcher) notifyCancelled(id int64, reason string) {
	conn := d.attached()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelNotifyTimeout)
	defer cancel()
	err := sendNotification(ctx, conn, protocol.MethodCancelled, &protocol.CancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		d.logger.Debug("failed to send cancellation",
			logging.Int64("id", id),
			logging.ErrorField(err))
	}
}

func (d *Dispatcher) observe(call *Call) {
	if d.observer != nil {
		d.observer.ObserveInvocation(call.method, time.Since(call.started), call.err)
	}
}

func sendNotification(ctx context.Context, conn transport.Conn, method string, params interface{}) error {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}
