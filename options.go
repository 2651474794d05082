package mcpmgr

import (
	"log/slog"
	"time"
)

// Defaults applied by New when the corresponding option is not given.
const (
	// DefaultMaxConnections bounds concurrently live connections.
	DefaultMaxConnections = 16

	// DefaultConnectTimeout bounds process spawn plus the initialize handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultDiscoveryTimeout bounds each of tools/list and resources/list
	// during the handshake. Discovery failures are non-fatal.
	DefaultDiscoveryTimeout = 10 * time.Second

	// DefaultCallTimeout bounds tool executions when the caller passes no timeout.
	DefaultCallTimeout = 60 * time.Second

	// DefaultTerminationGrace is how long Disconnect waits after a graceful
	// termination request before force-killing the process.
	DefaultTerminationGrace = 5 * time.Second
)

// settings holds the resolved Manager configuration.
type settings struct {
	logger           *slog.Logger
	maxConnections   int
	connectTimeout   time.Duration
	discoveryTimeout time.Duration
	callTimeout      time.Duration
	terminationGrace time.Duration
	allowedProtocols []Protocol
	clientInfo       ClientInfo
	stderrCallback   func(string)
}

func defaultSettings() *settings {
	return &settings{
		logger:           NopLogger(),
		maxConnections:   DefaultMaxConnections,
		connectTimeout:   DefaultConnectTimeout,
		discoveryTimeout: DefaultDiscoveryTimeout,
		callTimeout:      DefaultCallTimeout,
		terminationGrace: DefaultTerminationGrace,
		allowedProtocols: []Protocol{ProtocolStdio, ProtocolSSE, ProtocolWebSocket},
		clientInfo:       ClientInfo{Name: "mcp-manager-go", Version: "0.1.0"},
	}
}

func (s *settings) protocolAllowed(p Protocol) bool {
	for _, allowed := range s.allowedProtocols {
		if allowed == p {
			return true
		}
	}

	return false
}

// Option configures a Manager using the functional options pattern.
type Option func(*settings)

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithMaxConnections limits how many connections may be live (connecting or
// connected) at once. Connect fails with ErrCapacityExceeded beyond the
// limit, before any process is spawned.
func WithMaxConnections(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxConnections = n
		}
	}
}

// WithConnectTimeout bounds the initialize handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithDiscoveryTimeout bounds each capability discovery request
// (tools/list, resources/list) issued after the handshake.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.discoveryTimeout = d
		}
	}
}

// WithCallTimeout sets the default tool-execution timeout, used when
// ExecuteTool is called with a zero timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithTerminationGrace sets how long a disconnecting connection waits for
// the process to exit gracefully before force-killing it.
func WithTerminationGrace(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.terminationGrace = d
		}
	}
}

// WithAllowedProtocols replaces the protocol allow-list. Protocols outside
// the list are rejected with ErrProtocolNotAllowed; allowed but
// unimplemented protocols still fail with ErrProtocolNotImplemented.
func WithAllowedProtocols(protocols ...Protocol) Option {
	return func(s *settings) {
		if len(protocols) > 0 {
			s.allowedProtocols = protocols
		}
	}
}

// WithClientInfo sets the client identity sent in the initialize request.
func WithClientInfo(info ClientInfo) Option {
	return func(s *settings) {
		s.clientInfo = info
	}
}

// WithStderr registers a callback invoked for every stderr line any managed
// server writes. Useful for surfacing server-side diagnostics.
func WithStderr(callback func(line string)) Option {
	return func(s *settings) {
		s.stderrCallback = callback
	}
}
