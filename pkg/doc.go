// Package pkg holds the components of the MCP session engine.
//
// # Sub-packages
//
//   - session: the state machine that drives discovery, authentication,
//     handshake, capability loading and recovery
//   - dispatch: request ids, deadlines, cancellation and response routing
//   - catalog: the tools, resources and prompts of the current session
//   - transport: connection opening and frame exchange per URL scheme
//   - auth: credential flows and stores
//   - protocol: JSON-RPC and MCP message types
//   - errors: the structured error taxonomy
//   - logging: the structured logger
//   - observability: metrics and tracing
//   - config: file and environment configuration
//   - pagination: cursor following for list operations
//   - utils: schema validation and test helpers
package pkg
