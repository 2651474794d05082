// Package mcpmgr manages connections to Model Context Protocol (MCP) tool
// servers running as child processes.
//
// A Manager launches each server with stdin/stdout/stderr pipes, performs the
// JSON-RPC initialize handshake, discovers the server's tools and resources,
// and then routes tool invocations to it. Connections are identified by
// opaque ids; the Manager enforces a concurrent-connection limit and
// guarantees that a failed handshake never leaks a child process.
//
// # Basic Usage
//
//	ctx := context.Background()
//	manager := mcpmgr.New(
//	    mcpmgr.WithLogger(slog.Default()),
//	    mcpmgr.WithMaxConnections(8),
//	)
//	defer manager.Close()
//
//	id, err := manager.Connect(ctx, mcpmgr.ServerSpec{
//	    Name:    "github",
//	    Command: "mcp-github",
//	    Env:     map[string]string{"GITHUB_TOKEN": token},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := manager.ExecuteTool(ctx, id, "search_issues",
//	    map[string]any{"query": "is:open label:bug"}, 0)
//
// # Liveness
//
// There is no background poller: process liveness is checked opportunistically
// whenever List, GetStatus, or ExecuteTool is invoked. A connection whose
// process has exited is reported as disconnected and its handle is released;
// the entry stays visible until Disconnect removes it. Reconnection always
// means a new Connect call and a new connection id.
//
// # Error Handling
//
// All failures surface as typed errors:
//
//	if _, err := manager.ExecuteTool(ctx, id, "echo", args, 0); err != nil {
//	    if errors.Is(err, mcpmgr.ErrProcessDead) {
//	        // the server exited; Connect again for a fresh connection
//	    }
//	    if toolErr, ok := errors.AsType[*mcpmgr.ToolError](err); ok {
//	        log.Printf("server rejected the call: %s", toolErr.Message)
//	    }
//	}
package mcpmgr
