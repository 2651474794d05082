// Package protocol implements the JSON-RPC 2.0 client side of the Model
// Context Protocol over a newline-delimited stdio transport.
//
// The protocol package provides a Client that performs the initialize
// handshake, capability discovery (tools/list, resources/list), and tool
// invocation (tools/call) against one MCP server process.
//
// Every outgoing request carries a unique monotonically assigned id. A
// dedicated reader goroutine dispatches incoming responses by id to a
// pending-request table, so a response that arrives after its request timed
// out is discarded instead of being attributed to the next request.
//
// Example usage:
//
//	transport := subprocess.NewStdioTransport(log, spec, nil)
//	transport.Start(ctx)
//
//	client := protocol.NewClient(log, transport)
//	client.Start(ctx)
//
//	info, err := client.Initialize(ctx, protocol.ClientInfo{Name: "mcpmgr"}, 30*time.Second)
package protocol
