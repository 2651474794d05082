package mcpmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/mcp-manager-go/internal/errors"
	"github.com/wagiedev/mcp-manager-go/internal/protocol"
	"github.com/wagiedev/mcp-manager-go/internal/subprocess"
)

// Manager is the connection registry: the single entry point for launching,
// invoking, and tearing down MCP server processes.
//
// The registry map is the only shared structure; every connection carries
// its own locks, so a slow tool call on one server never blocks operations
// on the others. All methods are safe for concurrent use.
type Manager struct {
	log      *slog.Logger
	settings *settings

	mu     sync.RWMutex
	conns  map[string]*connection
	closed bool
}

// New creates a Manager. With no options it is silent, allows 16 concurrent
// connections, and uses the default timeouts documented on the With*
// options.
func New(opts ...Option) *Manager {
	s := defaultSettings()
	for _, opt := range opts {
		opt(s)
	}

	return &Manager{
		log:      s.logger.With("component", "manager"),
		settings: s,
		conns:    make(map[string]*connection, s.maxConnections),
	}
}

// Connect launches the server described by spec, performs the MCP handshake,
// and registers the connection. It returns the new connection id.
//
// Connect blocks for at most the connect timeout plus discovery timeouts.
// The capacity limit is enforced before anything is spawned. On any
// handshake failure the spawned process is terminated before the error is
// returned, so no process ever leaks and no half-built connection stays
// visible.
func (m *Manager) Connect(ctx context.Context, spec ServerSpec) (string, error) {
	if spec.Command == "" {
		return "", fmt.Errorf("connect %q: command must not be empty", spec.Name)
	}

	proto := spec.Protocol
	if proto == "" {
		proto = ProtocolStdio
	}

	if !m.settings.protocolAllowed(proto) {
		return "", fmt.Errorf("%w: %q", errors.ErrProtocolNotAllowed, proto)
	}

	if proto != ProtocolStdio {
		return "", fmt.Errorf("%w: %q", errors.ErrProtocolNotImplemented, proto)
	}

	conn := &connection{
		id:        ulid.Make().String(),
		name:      spec.Name,
		command:   spec.Command,
		args:      spec.Args,
		protoName: proto,
		createdAt: time.Now(),
		status:    StatusConnecting,
	}

	// Reserve a slot under the lock so the limit holds even when many
	// Connect calls race. The reservation is visible as "connecting".
	if err := m.reserve(conn); err != nil {
		return "", err
	}

	m.log.Info("Connecting to MCP server", "connection_id", conn.id, "name", spec.Name, "command", spec.Command)

	transport := subprocess.NewStdioTransport(m.settings.logger, subprocess.LaunchSpec{
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
		Dir:     spec.WorkingDir,
	}, m.settings.stderrCallback)

	if err := transport.Start(ctx); err != nil {
		m.unregister(conn.id)

		return "", err
	}

	// The reader goroutine must outlive the connect deadline, so it gets
	// its own context. Teardown happens through client.Stop and the
	// transport, never through this context.
	client := protocol.NewClient(m.settings.logger, transport)
	if err := client.Start(context.Background()); err != nil {
		m.unregister(conn.id)
		_ = transport.Close()

		return "", err
	}

	info, err := client.Initialize(ctx, m.settings.clientInfo, m.settings.connectTimeout)
	if err != nil {
		m.log.Warn("Handshake failed, terminating server", "connection_id", conn.id, "error", err)
		m.unregister(conn.id)
		client.Stop()
		_ = transport.Terminate(m.settings.terminationGrace)

		return "", err
	}

	// Discovery failures are non-fatal: a server without tools/list still
	// gets a live connection with empty descriptors.
	tools, err := client.ListTools(ctx, m.settings.discoveryTimeout)
	if err != nil {
		m.log.Warn("Tool discovery failed", "connection_id", conn.id, "error", err)

		tools = nil
	}

	resources, err := client.ListResources(ctx, m.settings.discoveryTimeout)
	if err != nil {
		m.log.Warn("Resource discovery failed", "connection_id", conn.id, "error", err)

		resources = nil
	}

	// A concurrent Disconnect (or Close) may have claimed the connection
	// while the handshake was in flight. The registry entry is already
	// gone in that case; the process handle is still ours to clean up.
	if !conn.establish(transport, client, info, tools, resources) {
		m.log.Warn("Connection disconnected during handshake, terminating server", "connection_id", conn.id)
		client.Stop()
		_ = transport.Terminate(m.settings.terminationGrace)

		return "", fmt.Errorf("%w: %s: disconnected during handshake", errors.ErrConnectionNotFound, conn.id)
	}

	m.log.Info("Connected to MCP server",
		"connection_id", conn.id,
		"server", info.Name,
		"tools", len(tools),
		"resources", len(resources),
	)

	return conn.id, nil
}

// Disconnect removes the connection and terminates its process: graceful
// termination first, then a force-kill after the grace period.
//
// Exactly one of any set of concurrent Disconnect calls for the same id
// succeeds; the rest return ErrConnectionNotFound, as do calls for ids that
// never existed.
func (m *Manager) Disconnect(connectionID string) error {
	m.mu.Lock()

	conn, ok := m.conns[connectionID]
	if ok {
		delete(m.conns, connectionID)
	}

	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrConnectionNotFound, connectionID)
	}

	m.log.Info("Disconnecting", "connection_id", connectionID)

	return conn.release(StatusDisconnected, m.settings.terminationGrace)
}

// List returns a snapshot of every registered connection, re-checking
// process liveness as a side effect: a connection whose process has exited
// is transitioned to disconnected before being reported.
func (m *Manager) List() []ConnectionSummary {
	m.mu.RLock()

	conns := make([]*connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}

	m.mu.RUnlock()

	summaries := make([]ConnectionSummary, 0, len(conns))

	for _, conn := range conns {
		conn.checkLiveness()
		summaries = append(summaries, conn.summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID < summaries[j].ID
		}

		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})

	return summaries
}

// GetStatus returns a snapshot of one connection, after a liveness check.
// The second return value is false when the id is unknown.
func (m *Manager) GetStatus(connectionID string) (ConnectionSummary, bool) {
	conn, err := m.lookup(connectionID)
	if err != nil {
		return ConnectionSummary{}, false
	}

	conn.checkLiveness()

	return conn.summary(), true
}

// ExecuteTool invokes a named tool on a connection.
//
// A zero timeout selects the manager's default call timeout. The liveness
// check runs before any pipe I/O: an exited process yields ErrProcessDead
// without a write ever being attempted. Tool failures reported by the
// server surface as *ToolError and leave the connection usable.
func (m *Manager) ExecuteTool(
	ctx context.Context,
	connectionID string,
	toolName string,
	arguments map[string]any,
	timeout time.Duration,
) (*ToolResult, error) {
	if timeout <= 0 {
		timeout = m.settings.callTimeout
	}

	conn, err := m.lookup(connectionID)
	if err != nil {
		return nil, err
	}

	// One request in flight per connection
	conn.execMu.Lock()
	defer conn.execMu.Unlock()

	client, transport, connected := conn.session()
	if !connected {
		return nil, fmt.Errorf("%w: %s", errors.ErrProcessDead, connectionID)
	}

	if !transport.Alive() {
		_ = conn.release(StatusDisconnected, 0)

		return nil, fmt.Errorf("%w: %s", errors.ErrProcessDead, connectionID)
	}

	result, err := client.CallTool(ctx, toolName, arguments, timeout)
	if err != nil {
		// A faulted protocol session cannot be resynchronized; release
		// the process so the failure is terminal and visible.
		if client.FatalError() != nil {
			_ = conn.release(StatusError, 0)
		}

		return nil, err
	}

	conn.touch()

	return &ToolResult{Status: "success", Result: result}, nil
}

// ListTools returns the tool descriptors captured at handshake time.
// The cache is never re-queried; repeated calls return equal results.
func (m *Manager) ListTools(connectionID string) ([]Tool, error) {
	conn, err := m.lookup(connectionID)
	if err != nil {
		return nil, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	tools := make([]Tool, len(conn.tools))
	copy(tools, conn.tools)

	return tools, nil
}

// ListResources returns the resource descriptors captured at handshake time.
// The cache is never re-queried; repeated calls return equal results.
func (m *Manager) ListResources(connectionID string) ([]Resource, error) {
	conn, err := m.lookup(connectionID)
	if err != nil {
		return nil, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	resources := make([]Resource, len(conn.resources))
	copy(resources, conn.resources)

	return resources, nil
}

// Ping performs an active protocol round trip on a connection. Unlike the
// lazy liveness check this confirms the server is responsive, not merely
// running.
func (m *Manager) Ping(ctx context.Context, connectionID string) error {
	conn, err := m.lookup(connectionID)
	if err != nil {
		return err
	}

	client, transport, connected := conn.session()
	if !connected {
		return fmt.Errorf("%w: %s", errors.ErrProcessDead, connectionID)
	}

	if !transport.Alive() {
		_ = conn.release(StatusDisconnected, 0)

		return fmt.Errorf("%w: %s", errors.ErrProcessDead, connectionID)
	}

	return client.Ping(ctx, m.settings.callTimeout)
}

// Close disconnects every connection concurrently and marks the manager
// closed. Further Connect calls fail with ErrManagerClosed. Managers are
// single-use.
func (m *Manager) Close() error {
	m.mu.Lock()

	m.closed = true

	conns := make([]*connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}

	m.conns = make(map[string]*connection)

	m.mu.Unlock()

	var g errgroup.Group

	for _, conn := range conns {
		g.Go(func() error {
			return conn.release(StatusDisconnected, m.settings.terminationGrace)
		})
	}

	err := g.Wait()

	m.log.Info("Manager closed", "connections", len(conns))

	return err
}

// reserve registers a connecting placeholder if the manager is open and
// below its capacity limit.
func (m *Manager) reserve(conn *connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.ErrManagerClosed
	}

	live := 0

	for _, existing := range m.conns {
		existing.mu.Lock()

		if existing.status == StatusConnecting || existing.status == StatusConnected {
			live++
		}

		existing.mu.Unlock()
	}

	if live >= m.settings.maxConnections {
		return fmt.Errorf("%w: %d of %d in use", errors.ErrCapacityExceeded, live, m.settings.maxConnections)
	}

	m.conns[conn.id] = conn

	return nil
}

// unregister drops a reservation after a failed connect.
func (m *Manager) unregister(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conns, connectionID)
}

// lookup resolves a connection id.
func (m *Manager) lookup(connectionID string) (*connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[connectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrConnectionNotFound, connectionID)
	}

	return conn, nil
}
