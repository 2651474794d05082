// Package subprocess provides the stdio transport for MCP server processes.
//
// This package spawns an MCP server as a child process and communicates via
// newline-delimited JSON over stdin/stdout. It handles process lifecycle
// management (spawn, liveness, graceful termination), message framing, and
// stderr capture.
package subprocess
