package transport

import (
	"context"
	"iter"
	"net/http"
	"sync"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
)

// NewPipe returns the two ends of an in-memory duplex connection. Closing
// one end drops the other: its Receive ends with ErrConnectionClosed.
func NewPipe(buffer int) (client, server Conn) {
	a := &pipeConn{in: newInbox(buffer)}
	b := &pipeConn{in: newInbox(buffer)}
	a.peer, b.peer = b, a
	return a, b
}

type pipeConn struct {
	in        *inbox
	peer      *pipeConn
	closeOnce sync.Once
}

func (p *pipeConn) Send(ctx context.Context, frame []byte) error {
	if p.in.isClosed() || p.in.isFailed() {
		return mcperrors.ErrConnectionClosed
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	if !p.peer.in.deliver(ctx, buf) {
		if ctx.Err() != nil {
			return mcperrors.SendError("pipe", ctx.Err())
		}
		return mcperrors.ErrConnectionClosed
	}
	return nil
}

func (p *pipeConn) Receive(ctx context.Context) iter.Seq2[[]byte, error] {
	return p.in.receive(ctx)
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() {
		p.in.close()
		p.peer.in.fail(mcperrors.ConnectionLost("pipe", nil))
	})
	return nil
}

// PipeDialer serves every Open with an in-memory connection handled by
// Serve, which runs in its own goroutine and owns the server end.
type PipeDialer struct {
	// Serve handles one connection; header is the OpenOptions header.
	Serve func(ctx context.Context, conn Conn, header http.Header)

	// Authorize, when set, rejects opens whose header it does not accept
	// with ErrAuthRequired.
	Authorize func(header http.Header) bool

	// Buffer is the per-direction frame buffer
	Buffer int

	wg sync.WaitGroup
}

// Open implements Dialer
func (d *PipeDialer) Open(ctx context.Context, endpoint string, opts OpenOptions) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, mcperrors.ConnectError("pipe", endpoint, err)
	}
	if d.Authorize != nil && !d.Authorize(opts.Header) {
		return nil, mcperrors.AuthRequired(endpoint, "", http.StatusUnauthorized)
	}

	client, server := NewPipe(d.Buffer)
	if d.Serve != nil {
		header := opts.Header.Clone()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer server.Close()
			d.Serve(context.Background(), server, header)
		}()
	}
	return client, nil
}

// Wait blocks until every Serve goroutine has returned
func (d *PipeDialer) Wait() {
	d.wg.Wait()
}
