package errors

import (
	"errors"
	"fmt"
)

// MCPError is the base interface for all errors produced by this module.
type MCPError interface {
	error
	IsMCPError() bool
}

// Compile-time verification that all error types implement MCPError.
var (
	_ MCPError = (*LaunchError)(nil)
	_ MCPError = (*HandshakeError)(nil)
	_ MCPError = (*ProcessError)(nil)
	_ MCPError = (*JSONDecodeError)(nil)
	_ MCPError = (*ToolError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrManagerClosed indicates the manager has been closed and cannot be reused.
	ErrManagerClosed = errors.New("manager closed: managers are single-use, create a new one with New()")

	// ErrCapacityExceeded indicates the configured connection limit is reached.
	ErrCapacityExceeded = errors.New("connection limit reached")

	// ErrProtocolNotAllowed indicates the requested protocol is outside the allow-list.
	ErrProtocolNotAllowed = errors.New("protocol not allowed")

	// ErrProtocolNotImplemented indicates a recognized but unimplemented protocol (sse, websocket).
	ErrProtocolNotImplemented = errors.New("protocol not implemented: only stdio is supported")

	// ErrConnectionNotFound indicates the connection id is unknown to the registry.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrProcessDead indicates the server process has exited.
	ErrProcessDead = errors.New("server process has exited")

	// ErrRequestTimeout indicates a request timed out.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrClientNotReady indicates the protocol client has not completed its handshake.
	ErrClientNotReady = errors.New("protocol client not ready")

	// ErrClientClosed indicates the protocol client has stopped.
	ErrClientClosed = errors.New("protocol client closed")

	// ErrTransportNotConnected indicates the transport has no running process.
	ErrTransportNotConnected = errors.New("transport not connected")

	// ErrStdinClosed indicates stdin was closed due to shutdown or cancellation.
	ErrStdinClosed = errors.New("stdin closed")
)

// LaunchError indicates the server process could not be spawned.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsMCPError implements MCPError.
func (e *LaunchError) IsMCPError() bool { return true }

// HandshakeError indicates the initialize exchange failed. Stage records
// which step of the handshake failed (e.g. "initialize").
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsMCPError implements MCPError.
func (e *HandshakeError) IsMCPError() bool { return true }

// ProcessError indicates the server process exited abnormally.
// Stderr carries the captured (bounded) stderr output of the child.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("server process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("server process failed (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsMCPError implements MCPError.
func (e *ProcessError) IsMCPError() bool { return true }

// JSONDecodeError indicates a line from the server could not be parsed.
// The raw line is preserved for diagnostics.
type JSONDecodeError struct {
	RawData string
	Err     error
}

func (e *JSONDecodeError) Error() string {
	return fmt.Sprintf("failed to decode JSON from server: %v", e.Err)
}

func (e *JSONDecodeError) Unwrap() error {
	return e.Err
}

// IsMCPError implements MCPError.
func (e *JSONDecodeError) IsMCPError() bool { return true }

// ToolError indicates the server returned a JSON-RPC error object for a
// tools/call request. Unknown tools surface here with the server's own
// code and message. The connection stays usable for future calls.
type ToolError struct {
	Tool    string
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed (code %d): %s", e.Tool, e.Code, e.Message)
}

// IsMCPError implements MCPError.
func (e *ToolError) IsMCPError() bool { return true }
