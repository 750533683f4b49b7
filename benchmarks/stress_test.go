package benchmarks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-session-go/internal/mcptest"
	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-session-go/pkg/session"
	"github.com/ajitpratap0/mcp-session-go/pkg/transport"
	"github.com/ajitpratap0/mcp-session-go/pkg/utils"
)

// TestStressCallsDuringChurn runs callers against a session whose catalog
// is pushed and whose connection is dropped repeatedly. Every call must
// end with a result or a classified error.
func TestStressCallsDuringChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	detector := utils.NewGoroutineLeakDetector(t).SetTimeout(5 * time.Second)

	srv := mcptest.NewServer()
	c, cleanup := createReadyClient(t, srv,
		session.WithRequestTimeout(time.Second),
		session.WithAutoReconnect(transport.ReliabilityConfig{
			MaxRetries:         100,
			InitialRetryDelay:  5 * time.Millisecond,
			MaxRetryDelay:      20 * time.Millisecond,
			RetryBackoffFactor: 2,
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var succeeded, notReady, lost, other atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_, err := c.CallTool(ctx, "search", map[string]string{"query": "stress"})
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, mcperrors.ErrNotReady):
					notReady.Add(1)
					time.Sleep(time.Millisecond)
				case errors.Is(err, mcperrors.ErrConnectionClosed):
					lost.Add(1)
				case ctx.Err() != nil:
					return
				default:
					other.Add(1)
					t.Logf("unexpected error: %v", err)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if i%4 == 3 {
				srv.Drop()
				continue
			}
			_ = srv.Notify(ctx, protocol.MethodToolsListChanged, nil)
		}
	}()

	wg.Wait()

	// a drop during the handshake is a connect failure, which auto-reconnect
	// leaves to the caller
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	for {
		state, err := c.WaitFor(waitCtx, session.Ready, session.Failed)
		require.NoError(t, err, "session did not recover, state %s", state)
		if state == session.Ready {
			break
		}
		_ = c.Retry()
	}

	t.Logf("succeeded=%d not_ready=%d lost=%d other=%d",
		succeeded.Load(), notReady.Load(), lost.Load(), other.Load())
	assert.Positive(t, succeeded.Load())
	assert.Zero(t, other.Load())

	cleanup()
	detector.Check()
}
