package mcp_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcp "github.com/ajitpratap0/mcp-session-go"
	"github.com/ajitpratap0/mcp-session-go/internal/mcptest"
	"github.com/ajitpratap0/mcp-session-go/pkg/auth"
)

func Example() {
	server := mcptest.NewServer()
	server.RequireToken("secret")
	defer server.Wait()
	defer server.Drop()

	client, err := mcp.NewClient(
		mcp.WithDialer(server.Dialer()),
		mcp.WithAuthFlow(mcp.NewTokenFlow(auth.TokenFlowConfig{Token: "secret"})),
	)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(mcp.ServerEndpoint{URL: "pipe://example", ClientName: "example"}); err != nil {
		fmt.Println(err)
		return
	}
	state, _ := client.WaitFor(ctx, mcp.StatePendingAuth, mcp.StateReady, mcp.StateFailed)
	fmt.Println(state)

	_ = client.Authenticate()
	state, _ = client.WaitFor(ctx, mcp.StateReady, mcp.StateFailed)
	fmt.Println(state)

	for _, tool := range client.Tools() {
		fmt.Println("tool:", tool.Name)
	}

	result, err := client.CallTool(ctx, "search", map[string]string{"query": "golang"})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(result.Content[0].Text)

	_, err = client.CallTool(ctx, "deploy", nil)
	fmt.Println(errors.Is(err, mcp.ErrUnknownCapability))

	// Output:
	// pending_auth
	// ready
	// tool: search
	// tool: echo
	// search {"query":"golang"}
	// true
}
