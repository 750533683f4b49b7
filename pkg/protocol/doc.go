// Package protocol defines the JSON-RPC 2.0 frames and MCP message types
// exchanged between a client session and a capability server.
//
// # Package Organization
//
//   - jsonrpc.go: request, response, notification and error frames plus
//     Decode, which classifies inbound frames (single or batch).
//   - mcp.go: method names, the initialize handshake and capability types.
//   - tools.go, resources.go, prompts.go: the three capability families.
//
// # Message Flow
//
//  1. Client sends an initialize request with its ClientInfo
//  2. Server responds with ServerCapabilities and ServerInfo
//  3. Client sends notifications/initialized
//  4. Client lists tools, resources and prompts (cursor paginated)
//  5. Client invokes tools/call, resources/read and prompts/get
//  6. Server may push notifications/*/list_changed at any time
//
// # Example Messages
//
// Initialize request:
//
//	{
//	    "jsonrpc": "2.0",
//	    "id": 1,
//	    "method": "initialize",
//	    "params": {
//	        "protocolVersion": "2025-03-26",
//	        "capabilities": {},
//	        "clientInfo": {"name": "inspector", "version": "1.0.0"}
//	    }
//	}
//
// Initialize response:
//
//	{
//	    "jsonrpc": "2.0",
//	    "id": 1,
//	    "result": {
//	        "protocolVersion": "2025-03-26",
//	        "capabilities": {"tools": {"listChanged": true}, "resources": {}},
//	        "serverInfo": {"name": "ExampleServer", "version": "1.0.0"}
//	    }
//	}
package protocol
