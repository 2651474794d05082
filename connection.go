package mcpmgr

import (
	"sync"
	"time"

	"github.com/wagiedev/mcp-manager-go/internal/protocol"
	"github.com/wagiedev/mcp-manager-go/internal/subprocess"
)

// connection is the aggregate of one process handle, one protocol client,
// and the metadata discovered at handshake time.
//
// Invariant: transport and client are non-nil if and only if status is
// connecting or connected. Terminal transitions (error, disconnected)
// release the process handle.
type connection struct {
	id        string
	name      string
	command   string
	args      []string
	protoName Protocol
	createdAt time.Time

	// mu guards the mutable fields below. It is never held across pipe
	// I/O, so status inspection stays cheap while tool calls run.
	mu           sync.Mutex
	status       Status
	lastActivity time.Time
	transport    *subprocess.StdioTransport
	client       *protocol.Client
	serverInfo   *ServerInfo
	tools        []Tool
	resources    []Resource

	// execMu serializes tool executions on this connection, preserving
	// the one-request-in-flight discipline per server.
	execMu sync.Mutex
}

// summary snapshots the connection for callers.
func (c *connection) summary() ConnectionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ConnectionSummary{
		ID:            c.id,
		Name:          c.name,
		Command:       c.command,
		Args:          c.args,
		Protocol:      c.protoName,
		Status:        c.status,
		ServerInfo:    c.serverInfo,
		ToolCount:     len(c.tools),
		ResourceCount: len(c.resources),
		CreatedAt:     c.createdAt,
		LastActivity:  c.lastActivity,
	}
}

// session returns the live client and transport, or false when the
// connection is not in the connected state.
func (c *connection) session() (*protocol.Client, *subprocess.StdioTransport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusConnected {
		return nil, nil, false
	}

	return c.client, c.transport, true
}

// establish records a successful handshake. It reports false when the
// connection was disconnected while the handshake was in flight; terminal
// statuses are never overwritten, so the caller still owns the process
// handle and must tear it down.
func (c *connection) establish(
	transport *subprocess.StdioTransport,
	client *protocol.Client,
	info *ServerInfo,
	tools []Tool,
	resources []Resource,
) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusConnecting {
		return false
	}

	c.status = StatusConnected
	c.transport = transport
	c.client = client
	c.serverInfo = info
	c.tools = tools
	c.resources = resources
	c.lastActivity = now

	return true
}

// touch records a successful tool execution.
func (c *connection) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActivity = time.Now()
}

// checkLiveness polls the process non-blockingly and transitions the
// connection to disconnected if it has exited. Idempotent.
func (c *connection) checkLiveness() {
	c.mu.Lock()
	transport := c.transport
	live := c.status == StatusConnecting || c.status == StatusConnected
	c.mu.Unlock()

	if !live || transport == nil || transport.Alive() {
		return
	}

	c.release(StatusDisconnected, 0)
}

// release moves the connection to a terminal status and gives up the
// process handle. A grace period of zero force-kills immediately;
// otherwise termination is graceful first. Idempotent: only the first
// caller performs the teardown.
func (c *connection) release(terminal Status, grace time.Duration) error {
	c.mu.Lock()

	if c.status != StatusConnecting && c.status != StatusConnected {
		c.mu.Unlock()

		return nil
	}

	client := c.client
	transport := c.transport
	c.status = terminal
	c.client = nil
	c.transport = nil
	c.mu.Unlock()

	if client != nil {
		client.Stop()
	}

	if transport == nil {
		return nil
	}

	if grace > 0 {
		return transport.Terminate(grace)
	}

	return transport.Close()
}
