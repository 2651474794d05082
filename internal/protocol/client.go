package protocol

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wagiedev/mcp-manager-go/internal/errors"
)

// Transport defines the minimal interface needed for protocol operations.
//
// This interface is satisfied by subprocess.StdioTransport but allows for
// testing with mock transports.
type Transport interface {
	ReadMessages(ctx context.Context) (<-chan json.RawMessage, <-chan error)
	SendMessage(ctx context.Context, data []byte) error
}

// State is the lifecycle state of a protocol client.
type State string

const (
	// StateUninitialized means Start has not completed a handshake yet.
	StateUninitialized State = "uninitialized"
	// StateHandshaking means an initialize exchange is in progress.
	StateHandshaking State = "handshaking"
	// StateReady means the handshake succeeded and tools may be invoked.
	StateReady State = "ready"
	// StateFaulted means the handshake failed or the transport broke.
	StateFaulted State = "faulted"
	// StateClosed means the client was stopped.
	StateClosed State = "closed"
)

// Client speaks JSON-RPC 2.0 with one MCP server over a Transport.
//
// The Client handles:
//   - The initialize handshake and capability discovery
//   - Sending requests with unique, monotonically assigned ids
//   - Receiving responses and routing them by id to waiting requests
//   - Request timeout enforcement
//
// A dedicated reader goroutine owns the incoming message stream. Every
// outgoing request is tracked in a pending table keyed by id; a response
// whose id has no pending entry (late arrival after a timeout, or a server
// bug) is logged and discarded rather than misattributed to a later request.
//
// The Client must be started with Start() before use and manages its own
// goroutine for reading and routing messages.
type Client struct {
	log       *slog.Logger
	transport Transport

	// Request tracking
	pendingMu sync.Mutex
	pending   map[int64]chan *message
	nextID    atomic.Int64

	// Handshake state machine
	stateMu sync.Mutex
	state   State

	// Fatal error handling - stores error and broadcasts via done channel
	errMu    sync.RWMutex
	fatalErr error

	// Lifecycle management
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewClient creates a protocol client over the given transport.
//
// The transport must be started before calling Start().
func NewClient(log *slog.Logger, transport Transport) *Client {
	return &Client{
		log:       log.With("component", "protocol"),
		transport: transport,
		pending:   make(map[int64]chan *message, 4),
		state:     StateUninitialized,
		done:      make(chan struct{}),
	}
}

// Start begins reading messages from the transport and routing responses.
//
// Start must be called before Initialize or any request will hang.
func (c *Client) Start(ctx context.Context) error {
	c.log.Debug("Starting protocol client")

	messages, errs := c.transport.ReadMessages(ctx)

	c.wg.Add(1)

	go c.readLoop(ctx, messages, errs)

	return nil
}

// Stop shuts down the client.
//
// Pending requests are unblocked with ErrClientClosed (or the fatal
// transport error, if one occurred). Safe to call multiple times.
func (c *Client) Stop() {
	c.log.Debug("Stopping protocol client")

	c.setState(StateClosed)
	c.closeDone()
	c.wg.Wait()
}

// Done returns a channel that is closed when the client stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.state
}

// FatalError returns the transport error that stopped the client, if any.
func (c *Client) FatalError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()

	return c.fatalErr
}

// setFatalError stores the first fatal error and broadcasts by closing done.
func (c *Client) setFatalError(err error) {
	c.errMu.Lock()

	if c.fatalErr == nil {
		c.fatalErr = err
	}

	c.errMu.Unlock()

	c.setState(StateFaulted)
	c.closeDone()
}

// closeDone safely closes the done channel exactly once.
func (c *Client) closeDone() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	// Closed and faulted are terminal
	if c.state == StateClosed || (c.state == StateFaulted && s != StateClosed) {
		return
	}

	c.state = s
}

// Initialize performs the MCP handshake.
//
// It sends the initialize request with the fixed protocol version and the
// client identity, requires a result within the timeout, then emits the
// initialized notification. A failure at any step is fatal for the
// connection and leaves the client faulted.
func (c *Client) Initialize(ctx context.Context, info ClientInfo, timeout time.Duration) (*ServerInfo, error) {
	c.stateMu.Lock()

	if c.state != StateUninitialized {
		state := c.state
		c.stateMu.Unlock()

		return nil, fmt.Errorf("initialize in state %s: %w", state, errors.ErrClientNotReady)
	}

	c.state = StateHandshaking
	c.stateMu.Unlock()

	msg, err := c.sendRequest(ctx, methodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      info,
	}, timeout)
	if err != nil {
		c.setState(StateFaulted)

		return nil, &errors.HandshakeError{Stage: "initialize", Err: err}
	}

	if msg.Error != nil {
		c.setState(StateFaulted)

		return nil, &errors.HandshakeError{
			Stage: "initialize",
			Err:   fmt.Errorf("server rejected initialize (code %d): %s", msg.Error.Code, msg.Error.Message),
		}
	}

	if !msg.hasResult() {
		c.setState(StateFaulted)

		return nil, &errors.HandshakeError{
			Stage: "initialize",
			Err:   stderrors.New("initialize response has no result"),
		}
	}

	var result initializeResult

	if err := json.Unmarshal(msg.Result, &result); err != nil {
		c.setState(StateFaulted)

		return nil, &errors.HandshakeError{
			Stage: "initialize",
			Err:   fmt.Errorf("malformed initialize result: %w", err),
		}
	}

	if err := c.notify(ctx, methodInitialized, nil); err != nil {
		c.setState(StateFaulted)

		return nil, &errors.HandshakeError{Stage: "initialized notification", Err: err}
	}

	c.setState(StateReady)

	serverInfo := result.serverInfo()
	c.log.Info("Handshake complete",
		"server", serverInfo.Name,
		"version", serverInfo.Version,
		"protocol_version", serverInfo.ProtocolVersion,
	)

	return serverInfo, nil
}

// ListTools queries the server's tool descriptors.
func (c *Client) ListTools(ctx context.Context, timeout time.Duration) ([]Tool, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}

	msg, err := c.sendRequest(ctx, methodListTools, nil, timeout)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	if msg.Error != nil {
		return nil, fmt.Errorf("tools/list rejected (code %d): %s", msg.Error.Code, msg.Error.Message)
	}

	var result listToolsResult

	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/list result: %w", err)
	}

	return result.Tools, nil
}

// ListResources queries the server's resource descriptors.
func (c *Client) ListResources(ctx context.Context, timeout time.Duration) ([]Resource, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}

	msg, err := c.sendRequest(ctx, methodListResources, nil, timeout)
	if err != nil {
		return nil, fmt.Errorf("resources/list: %w", err)
	}

	if msg.Error != nil {
		return nil, fmt.Errorf("resources/list rejected (code %d): %s", msg.Error.Code, msg.Error.Message)
	}

	var result listResourcesResult

	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed resources/list result: %w", err)
	}

	return result.Resources, nil
}

// CallTool invokes a named tool and returns the decoded result object.
//
// A JSON-RPC error object from the server becomes a ToolError; the
// connection stays usable for future calls.
func (c *Client) CallTool(
	ctx context.Context,
	name string,
	arguments map[string]any,
	timeout time.Duration,
) (map[string]any, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}

	msg, err := c.sendRequest(ctx, methodCallTool, callToolParams{
		Name:      name,
		Arguments: arguments,
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("tools/call %q: %w", name, err)
	}

	if msg.Error != nil {
		return nil, &errors.ToolError{
			Tool:    name,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
		}
	}

	var result any

	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/call result: %w", err)
	}

	if object, ok := result.(map[string]any); ok {
		return object, nil
	}

	// Non-object results (arrays, scalars) are wrapped so callers always
	// get a JSON object back.
	return map[string]any{"value": result}, nil
}

// Ping performs a protocol-level round trip.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	if err := c.requireReady(); err != nil {
		return err
	}

	msg, err := c.sendRequest(ctx, methodPing, nil, timeout)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	if msg.Error != nil {
		return fmt.Errorf("ping rejected (code %d): %s", msg.Error.Code, msg.Error.Message)
	}

	return nil
}

func (c *Client) requireReady() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.state != StateReady {
		return fmt.Errorf("client state is %s: %w", c.state, errors.ErrClientNotReady)
	}

	return nil
}

// sendRequest sends one request and blocks for its correlated response.
//
// The request id is assigned from a per-connection monotonic counter and
// registered in the pending table before the write, so the reader can never
// observe a response for an unknown in-flight id. On timeout the entry is
// removed, which makes the reader drain and discard the late response
// instead of delivering it to the next request.
func (c *Client) sendRequest(
	ctx context.Context,
	method string,
	params any,
	timeout time.Duration,
) (*message, error) {
	id := c.nextID.Add(1)

	c.log.Debug("Sending request", "id", id, "method", method)

	responseChan := make(chan *message, 1)

	c.pendingMu.Lock()
	c.pending[id] = responseChan
	c.pendingMu.Unlock()

	abandon := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	data, err := json.Marshal(request{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		abandon()

		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if err := c.transport.SendMessage(ctx, data); err != nil {
		abandon()

		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case msg := <-responseChan:
		c.log.Debug("Received response", "id", id, "method", method)

		return msg, nil

	case <-c.done:
		// Client stopped (possibly due to transport error) - fail fast
		abandon()

		if err := c.FatalError(); err != nil {
			c.log.Warn("Transport error during request", "id", id, "error", err)

			return nil, fmt.Errorf("transport error: %w", err)
		}

		return nil, errors.ErrClientClosed

	case <-time.After(timeout):
		abandon()

		c.log.Warn("Request timed out", "id", id, "method", method, "timeout", timeout)

		return nil, fmt.Errorf("%w after %s", errors.ErrRequestTimeout, timeout)

	case <-ctx.Done():
		abandon()

		c.log.Debug("Request cancelled", "id", id, "method", method)

		return nil, ctx.Err()
	}
}

// notify sends a request without an id and does not wait for anything.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(request{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := c.transport.SendMessage(ctx, data); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	return nil
}

// readLoop consumes the transport stream and routes messages.
func (c *Client) readLoop(
	ctx context.Context,
	messages <-chan json.RawMessage,
	errs <-chan error,
) {
	defer c.wg.Done()
	defer c.log.Debug("Protocol read loop stopped")

	for {
		select {
		case raw, ok := <-messages:
			if !ok {
				c.log.Debug("Message channel closed")
				c.setFatalError(errors.ErrProcessDead)

				return
			}

			c.handleMessage(ctx, raw)

		case err, ok := <-errs:
			if !ok {
				errs = nil

				continue
			}

			if err == nil {
				continue
			}

			// Decode errors are per-line and non-fatal; anything else
			// (process exit, scanner failure) kills the connection.
			if _, isDecode := stderrors.AsType[*errors.JSONDecodeError](err); isDecode {
				c.log.Warn("Discarding undecodable line from server", "error", err)

				continue
			}

			c.log.Debug("Transport error in protocol client", "error", err)
			c.setFatalError(err)

			return

		case <-c.done:
			return

		case <-ctx.Done():
			return
		}
	}
}

// handleMessage classifies one incoming JSON document and routes it.
func (c *Client) handleMessage(ctx context.Context, raw json.RawMessage) {
	var msg message

	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("Discarding unparseable message", "error", err)

		return
	}

	switch {
	case msg.isResponse():
		c.handleResponse(&msg)

	case msg.isNotification():
		c.log.Debug("Ignoring server notification", "method", msg.Method)

	case msg.Method != "":
		// Server-to-client request: this client exposes no methods
		c.log.Warn("Rejecting server-to-client request", "method", msg.Method)
		c.rejectRequest(ctx, *msg.ID)

	default:
		c.log.Warn("Discarding message that is neither request nor response")
	}
}

// handleResponse routes a response to the waiting request by id.
func (c *Client) handleResponse(msg *message) {
	id, err := msg.ID.Int64()
	if err != nil {
		c.log.Warn("Discarding response with non-numeric id", "id", msg.ID.String())

		return
	}

	// Find and claim the pending request atomically
	c.pendingMu.Lock()

	responseChan, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
	}

	c.pendingMu.Unlock()

	if !exists {
		// Late response after a timeout, or a server inventing ids.
		// Either way it matches nothing in flight and must be dropped.
		c.log.Warn("Discarding response with no pending request", "id", id)

		return
	}

	// We own the entry now; the channel is buffered so this never blocks
	responseChan <- msg
}

// rejectRequest answers an unsupported server-to-client request with a
// JSON-RPC method-not-found error.
func (c *Client) rejectRequest(ctx context.Context, id json.Number) {
	data, err := json.Marshal(response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error: &RPCError{
			Code:    methodNotFound,
			Message: "method not found",
		},
	})
	if err != nil {
		c.log.Error("Failed to marshal rejection response", "error", err)

		return
	}

	if err := c.transport.SendMessage(ctx, data); err != nil {
		if ctx.Err() != nil {
			return
		}

		c.log.Debug("Failed to send rejection response", "error", err)
	}
}
