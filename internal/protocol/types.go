package protocol

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

const (
	// jsonrpcVersion is the fixed version string every message carries.
	jsonrpcVersion = "2.0"

	// ProtocolVersion is the MCP protocol revision this client speaks.
	ProtocolVersion = "2024-11-05"
)

// JSON-RPC method names used by this client.
const (
	methodInitialize    = "initialize"
	methodInitialized   = "notifications/initialized"
	methodListTools     = "tools/list"
	methodListResources = "resources/list"
	methodCallTool      = "tools/call"
	methodPing          = "ping"
)

// request is an outgoing JSON-RPC message.
//
// Wire format (one document per newline-terminated line):
//
//	{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{...}}
//
// Notifications omit the id.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an outgoing JSON-RPC response, used to reject server-to-client
// requests this client does not support.
type response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      json.Number `json:"id"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// methodNotFound is the JSON-RPC 2.0 error code for an unknown method.
const methodNotFound = -32601

// message is an incoming JSON-RPC message before classification.
//
// A message with an id and no method is a response. A message with a method
// and an id is a server-to-client request. A message with a method and no id
// is a notification.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *json.Number    `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// isResponse reports whether the message answers one of our requests.
func (m *message) isResponse() bool {
	return m.ID != nil && m.Method == ""
}

// isNotification reports whether the message is a fire-and-forget event.
func (m *message) isNotification() bool {
	return m.ID == nil && m.Method != ""
}

// hasResult reports whether a result field was present, including JSON null.
func (m *message) hasResult() bool {
	return len(m.Result) > 0
}

// ClientInfo identifies this client to the server during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo captures the identity and capabilities the server reported in
// its initialize response.
type ServerInfo struct {
	Name            string         `json:"name"`
	Version         string         `json:"version,omitempty"`
	ProtocolVersion string         `json:"protocolVersion,omitempty"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

// initializeResult is the lenient decode target for the initialize result.
// Conformant servers nest their identity under serverInfo; some reply with a
// flat implementation object, so both shapes are accepted.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverInfo flattens the accepted shapes into a ServerInfo.
func (r *initializeResult) serverInfo() *ServerInfo {
	info := &ServerInfo{
		Name:            r.ServerInfo.Name,
		Version:         r.ServerInfo.Version,
		ProtocolVersion: r.ProtocolVersion,
		Capabilities:    r.Capabilities,
	}

	if info.Name == "" {
		info.Name = r.Name
		info.Version = r.Version
	}

	return info
}

// Tool describes one invocable operation the server exposes.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// Resource describes one addressable data object the server exposes.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// listToolsResult is the result payload of tools/list.
type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

// listResourcesResult is the result payload of resources/list.
type listResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// callToolParams is the params payload of tools/call.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// initializeParams is the params payload of initialize.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}
