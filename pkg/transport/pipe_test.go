package transport

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
)

func TestPipeSendReceive(t *testing.T) {
	ctx := context.Background()
	client, server := NewPipe(4)
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Send(ctx, []byte(`{"id":1}`)))
	require.NoError(t, server.Send(ctx, []byte(`{"id":2}`)))

	next, stop := iter.Pull2(server.Receive(ctx))
	defer stop()
	frame, err, ok := next()
	require.True(t, ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(frame))

	next2, stop2 := iter.Pull2(client.Receive(ctx))
	defer stop2()
	frame, err, ok = next2()
	require.True(t, ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":2}`, string(frame))
}

func TestPipeSendCopiesFrame(t *testing.T) {
	ctx := context.Background()
	client, server := NewPipe(1)
	defer client.Close()
	defer server.Close()

	buf := []byte(`{"a":1}`)
	require.NoError(t, client.Send(ctx, buf))
	buf[2] = 'b'

	for frame, err := range server.Receive(ctx) {
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(frame))
		break
	}
}

func TestPipeLocalCloseEndsWithoutError(t *testing.T) {
	client, server := NewPipe(1)
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		var last error
		for _, err := range client.Receive(context.Background()) {
			last = err
		}
		done <- last
	}()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close is idempotent")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("receive did not end after close")
	}

	err := client.Send(context.Background(), []byte(`{}`))
	assert.True(t, errors.Is(err, mcperrors.ErrConnectionClosed))
}

func TestPipePeerDropDeliversQueuedFramesThenError(t *testing.T) {
	ctx := context.Background()
	client, server := NewPipe(4)
	defer client.Close()

	require.NoError(t, server.Send(ctx, []byte(`{"n":1}`)))
	require.NoError(t, server.Send(ctx, []byte(`{"n":2}`)))
	require.NoError(t, server.Close())

	var frames []string
	var last error
	for frame, err := range client.Receive(ctx) {
		if err != nil {
			last = err
			continue
		}
		frames = append(frames, string(frame))
	}

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, frames)
	require.Error(t, last)
	assert.True(t, errors.Is(last, mcperrors.ErrConnectionClosed))

	err := client.Send(ctx, []byte(`{}`))
	assert.True(t, errors.Is(err, mcperrors.ErrConnectionClosed))
}

func TestPipeReceiveStopsOnContext(t *testing.T) {
	client, server := NewPipe(1)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	count := 0
	for range client.Receive(ctx) {
		count++
	}
	assert.Zero(t, count)
}

func TestPipeDialer(t *testing.T) {
	t.Run("serves each open", func(t *testing.T) {
		d := &PipeDialer{
			Serve: func(ctx context.Context, conn Conn, header http.Header) {
				for frame, err := range conn.Receive(ctx) {
					if err != nil {
						return
					}
					_ = conn.Send(ctx, frame)
				}
			},
		}

		conn, err := d.Open(context.Background(), "pipe://echo", OpenOptions{})
		require.NoError(t, err)

		require.NoError(t, conn.Send(context.Background(), []byte(`"ping"`)))
		for frame, err := range conn.Receive(context.Background()) {
			require.NoError(t, err)
			assert.Equal(t, `"ping"`, string(frame))
			break
		}

		require.NoError(t, conn.Close())
		d.Wait()
	})

	t.Run("rejects without credential", func(t *testing.T) {
		d := &PipeDialer{
			Authorize: func(h http.Header) bool { return h.Get("Authorization") == "Bearer good" },
		}

		_, err := d.Open(context.Background(), "pipe://secure", OpenOptions{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, mcperrors.ErrAuthRequired))

		header := http.Header{}
		header.Set("Authorization", "Bearer good")
		conn, err := d.Open(context.Background(), "pipe://secure", OpenOptions{Header: header})
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := (&PipeDialer{}).Open(ctx, "pipe://x", OpenOptions{})
		assert.True(t, errors.Is(err, mcperrors.ErrConnect))
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	d := &PipeDialer{}
	r.Register("PIPE", d)

	got, ok := r.Lookup("pipe")
	require.True(t, ok)
	assert.Same(t, d, got)
	assert.Equal(t, []string{"pipe"}, r.Schemes())

	conn, err := r.Open(context.Background(), "pipe://local", OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = r.Open(context.Background(), "gopher://old", OpenOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcperrors.ErrConnect))
}
