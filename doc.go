// Package mcp is the root of the MCP session engine, a client that keeps one
// authenticated session with a Model Context Protocol server and invokes
// the tools, resources and prompts it offers.
//
// # Overview
//
// The engine consists of several sub-packages:
//
//   - pkg/session: the session state machine and the Client
//   - pkg/transport: HTTP, Streamable HTTP and WebSocket connections
//   - pkg/auth: token, API key and OAuth flows with credential stores
//   - pkg/catalog: the cached, validated capability catalog
//   - pkg/dispatch: request and response correlation
//   - pkg/config: YAML and environment configuration
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//
// # Connecting
//
// Lifecycle methods return as soon as the transition is applied. The work
// runs in the background and its outcome is observed with WaitFor or Watch:
//
//	client, err := mcp.NewClient(
//	    mcp.WithAuthFlow(mcp.NewTokenFlow(auth.TokenFlowConfig{Token: token})),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	endpoint := mcp.ServerEndpoint{URL: "https://mcp.example.com/mcp", ClientName: "inspector"}
//	if err := client.Connect(endpoint); err != nil {
//	    return err
//	}
//
//	state, err := client.WaitFor(ctx, mcp.StatePendingAuth, mcp.StateReady, mcp.StateFailed)
//	if err != nil {
//	    return err
//	}
//	if state == mcp.StatePendingAuth {
//	    if err := client.Authenticate(); err != nil {
//	        return err
//	    }
//	    state, err = client.WaitFor(ctx, mcp.StateReady, mcp.StateFailed)
//	}
//	if state == mcp.StateFailed {
//	    return client.LastError()
//	}
//
// # Invoking capabilities
//
// Calls are only made while the session is Ready and against names in the
// current catalog. Everything else fails locally without a frame being
// sent:
//
//	result, err := client.CallTool(ctx, "search", map[string]string{"query": "golang"})
//	switch {
//	case errors.Is(err, mcp.ErrNotReady):
//	    // the session is connecting, refreshing or failed
//	case errors.Is(err, mcp.ErrUnknownCapability):
//	    // the server does not offer the tool
//	case errors.Is(err, mcp.ErrTimeout):
//	    // no response in time; the server was told to cancel
//	}
//
// # Recovery
//
// A dropped connection moves the session to Failed with a ConnectionLost
// error. Retry starts again from discovery with the same endpoint, and
// WithAutoReconnect does so automatically with exponential backoff.
// Disconnect returns to Idle from any state and keeps the stored
// credential unless logout is requested.
package mcp
