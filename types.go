package mcpmgr

import (
	"time"

	"github.com/wagiedev/mcp-manager-go/internal/protocol"
)

// Protocol identifies the transport a server speaks.
type Protocol string

const (
	// ProtocolStdio runs the server as a child process speaking
	// newline-delimited JSON-RPC over stdin/stdout. The only transport
	// currently implemented.
	ProtocolStdio Protocol = "stdio"
	// ProtocolSSE is reserved; Connect rejects it with ErrProtocolNotImplemented.
	ProtocolSSE Protocol = "sse"
	// ProtocolWebSocket is reserved; Connect rejects it with ErrProtocolNotImplemented.
	ProtocolWebSocket Protocol = "websocket"
)

// Status is the lifecycle state of a managed connection.
//
// A connection never returns to connecting; error and disconnected are
// terminal. Reconnection requires a new Connect call and a new id.
type Status string

const (
	// StatusConnecting means the process is spawned but the handshake has
	// not completed. Only visible to concurrent observers during Connect.
	StatusConnecting Status = "connecting"
	// StatusConnected means the handshake succeeded and tools may be invoked.
	StatusConnected Status = "connected"
	// StatusError means the protocol session faulted; the process was terminated.
	StatusError Status = "error"
	// StatusDisconnected means the process exited or was disconnected.
	StatusDisconnected Status = "disconnected"
)

// ServerSpec describes an MCP server to connect to.
//
// All fields are immutable once the connection is created.
type ServerSpec struct {
	// Name is a caller-supplied label for the connection.
	Name string `json:"name"`
	// Command is the executable to launch.
	Command string `json:"command"`
	// Args are passed verbatim to the executable.
	Args []string `json:"args,omitempty"`
	// Env entries are merged over the parent process environment.
	Env map[string]string `json:"env,omitempty"`
	// WorkingDir is the child's working directory. Defaults to the
	// current directory.
	WorkingDir string `json:"working_dir,omitempty"`
	// Protocol selects the transport. Defaults to stdio.
	Protocol Protocol `json:"protocol,omitempty"`
}

// Tool describes one invocable operation a server exposes.
type Tool = protocol.Tool

// Resource describes one addressable data object a server exposes.
type Resource = protocol.Resource

// ServerInfo captures the identity and capabilities a server reported at
// handshake time.
type ServerInfo = protocol.ServerInfo

// ClientInfo identifies this client to servers during the handshake.
type ClientInfo = protocol.ClientInfo

// ConnectionSummary is a point-in-time snapshot of one connection, shaped
// for direct JSON serialization.
type ConnectionSummary struct {
	ID            string      `json:"connection_id"`
	Name          string      `json:"name"`
	Command       string      `json:"command"`
	Args          []string    `json:"args,omitempty"`
	Protocol      Protocol    `json:"protocol"`
	Status        Status      `json:"status"`
	ServerInfo    *ServerInfo `json:"server_info,omitempty"`
	ToolCount     int         `json:"tool_count"`
	ResourceCount int         `json:"resource_count"`
	CreatedAt     time.Time   `json:"created_at"`
	LastActivity  time.Time   `json:"last_activity"`
}

// ToolResult is the outcome of a successful tool execution, shaped for
// direct JSON serialization. Failures are returned as errors instead.
type ToolResult struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
}
