package mcpmgr

import "github.com/wagiedev/mcp-manager-go/internal/errors"

// Re-export error types from internal package

// LaunchError indicates the server process could not be spawned.
type LaunchError = errors.LaunchError

// HandshakeError indicates the initialize exchange failed.
type HandshakeError = errors.HandshakeError

// ProcessError indicates the server process exited abnormally.
type ProcessError = errors.ProcessError

// JSONDecodeError indicates a line from the server could not be parsed.
type JSONDecodeError = errors.JSONDecodeError

// ToolError indicates the server returned a JSON-RPC error for a tool call.
type ToolError = errors.ToolError

// MCPError is the base interface for all errors produced by this module.
type MCPError = errors.MCPError

// Re-export sentinel errors from internal package.
var (
	// ErrManagerClosed indicates the manager has been closed and cannot be reused.
	ErrManagerClosed = errors.ErrManagerClosed

	// ErrCapacityExceeded indicates the configured connection limit is reached.
	ErrCapacityExceeded = errors.ErrCapacityExceeded

	// ErrProtocolNotAllowed indicates the requested protocol is outside the allow-list.
	ErrProtocolNotAllowed = errors.ErrProtocolNotAllowed

	// ErrProtocolNotImplemented indicates a recognized but unimplemented protocol.
	ErrProtocolNotImplemented = errors.ErrProtocolNotImplemented

	// ErrConnectionNotFound indicates the connection id is unknown.
	ErrConnectionNotFound = errors.ErrConnectionNotFound

	// ErrProcessDead indicates the server process has exited.
	ErrProcessDead = errors.ErrProcessDead

	// ErrRequestTimeout indicates a request timed out.
	ErrRequestTimeout = errors.ErrRequestTimeout
)
