// Package errors defines error types for the MCP connection manager.
//
// This package provides structured error types that wrap different failure
// scenarios when launching and talking to MCP server processes. All error
// types support error unwrapping and can be checked using errors.Is,
// errors.As, and errors.AsType.
package errors
