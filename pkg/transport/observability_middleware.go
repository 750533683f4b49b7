package transport

import (
	"context"
	"iter"
	"net/url"
)

// Direction of a frame relative to the client
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// FrameObserver receives one call per frame sent or received
type FrameObserver interface {
	ObserveFrame(transport string, direction Direction, size int)
}

// ObservabilityMiddleware counts frames and bytes in both directions
type ObservabilityMiddleware struct {
	observer FrameObserver
}

// NewObservabilityMiddleware creates a new observability middleware
func NewObservabilityMiddleware(observer FrameObserver) Middleware {
	return &ObservabilityMiddleware{observer: observer}
}

// Wrap implements the Middleware interface
func (om *ObservabilityMiddleware) Wrap(next Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, endpoint string, opts OpenOptions) (Conn, error) {
		conn, err := next.Open(ctx, endpoint, opts)
		if err != nil {
			return nil, err
		}
		name := "unknown"
		if u, perr := url.Parse(endpoint); perr == nil && u.Scheme != "" {
			name = u.Scheme
		}
		return &observedConn{Conn: conn, observer: om.observer, transport: name}, nil
	})
}

type observedConn struct {
	Conn
	observer  FrameObserver
	transport string
}

func (c *observedConn) Send(ctx context.Context, frame []byte) error {
	if err := c.Conn.Send(ctx, frame); err != nil {
		return err
	}
	c.observer.ObserveFrame(c.transport, Outbound, len(frame))
	return nil
}

func (c *observedConn) Receive(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for frame, err := range c.Conn.Receive(ctx) {
			if err == nil {
				c.observer.ObserveFrame(c.transport, Inbound, len(frame))
			}
			if !yield(frame, err) {
				return
			}
		}
	}
}
