package mcpmgr

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/mcp-manager-go/internal/errors"
)

// echoServerScript is a scripted MCP server double. It answers the
// handshake sequence this client always sends (initialize, the initialized
// notification, tools/list, resources/list) and then replies to every
// tools/call with a canned echo result.
const echoServerScript = `#!/bin/sh
read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"echo","version":"1.0"}}}'
read line
read line
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo","description":"Echo text back","inputSchema":{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}}]}}'
read line
printf '%s\n' '{"jsonrpc":"2.0","id":3,"result":{"resources":[{"uri":"mem://echo/log","name":"log"}]}}'
id=4
while read line; do
  printf '{"jsonrpc":"2.0","id":%d,"result":{"text":"hi"}}\n' "$id"
  id=$((id+1))
done
`

// crashingServerScript completes the handshake and then exits immediately,
// simulating a server that dies between handshake and tool execution.
const crashingServerScript = `#!/bin/sh
read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"serverInfo":{"name":"flaky","version":"0.1"},"capabilities":{}}}'
read line
read line
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"tools":[]}}'
read line
printf '%s\n' '{"jsonrpc":"2.0","id":3,"result":{"resources":[]}}'
exit 0
`

// slowServerScript records its pid and stalls before answering initialize,
// keeping the connection in the connecting state long enough for another
// caller to act on it.
const slowServerScript = `#!/bin/sh
echo $$ > "$MCPMGR_TEST_PIDFILE"
read line
sleep 2
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"serverInfo":{"name":"slow","version":"0.1"},"capabilities":{}}}'
read line
read line
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"tools":[]}}'
read line
printf '%s\n' '{"jsonrpc":"2.0","id":3,"result":{"resources":[]}}'
while read line; do :; done
`

// silentServerScript records its pid and never answers anything.
const silentServerScript = `#!/bin/sh
echo $$ > "$MCPMGR_TEST_PIDFILE"
exec sleep 60
`

func writeServerScript(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mcp-server.sh")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))

	return path
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()

	manager := New(opts...)

	t.Cleanup(func() {
		_ = manager.Close()
	})

	return manager
}

// connPid digs the process id out of a live connection.
func connPid(t *testing.T, manager *Manager, id string) int {
	t.Helper()

	manager.mu.RLock()
	conn := manager.conns[id]
	manager.mu.RUnlock()

	require.NotNil(t, conn)

	conn.mu.Lock()
	defer conn.mu.Unlock()

	require.NotNil(t, conn.transport)

	return conn.transport.Pid()
}

func processGone(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) != nil
}

func TestConnect_EndToEnd(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t)

	id, err := manager.Connect(ctx, ServerSpec{
		Name:    "echo",
		Command: writeServerScript(t, echoServerScript),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	summary, ok := manager.GetStatus(id)
	require.True(t, ok)
	require.Equal(t, StatusConnected, summary.Status)
	require.Equal(t, "echo", summary.Name)
	require.Equal(t, ProtocolStdio, summary.Protocol)
	require.NotNil(t, summary.ServerInfo)
	require.Equal(t, "echo", summary.ServerInfo.Name)
	require.Equal(t, "1.0", summary.ServerInfo.Version)
	require.Equal(t, 1, summary.ToolCount)
	require.Equal(t, 1, summary.ResourceCount)

	// Cached descriptors: two reads return equal results, no re-query
	tools, err := manager.ListTools(id)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].Name)
	require.NotNil(t, tools[0].InputSchema)

	toolsAgain, err := manager.ListTools(id)
	require.NoError(t, err)
	require.Equal(t, tools, toolsAgain)

	resources, err := manager.ListResources(id)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.Equal(t, "mem://echo/log", resources[0].URI)

	before := summary.LastActivity

	result, err := manager.ExecuteTool(ctx, id, "echo", map[string]any{"text": "hi"}, 0)
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
	require.Equal(t, map[string]any{"text": "hi"}, result.Result)

	summary, ok = manager.GetStatus(id)
	require.True(t, ok)
	require.False(t, summary.LastActivity.Before(before))

	require.NoError(t, manager.Ping(ctx, id))

	pid := connPid(t, manager, id)

	require.NoError(t, manager.Disconnect(id))

	// The former process must be gone within the grace period
	require.Eventually(t, func() bool {
		return processGone(pid)
	}, 10*time.Second, 20*time.Millisecond)

	_, ok = manager.GetStatus(id)
	require.False(t, ok)
	require.ErrorIs(t, manager.Disconnect(id), errors.ErrConnectionNotFound)
}

func TestConnect_ProtocolValidation(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t)

	_, err := manager.Connect(ctx, ServerSpec{Name: "s", Command: "/bin/cat", Protocol: ProtocolSSE})
	require.ErrorIs(t, err, errors.ErrProtocolNotImplemented)

	_, err = manager.Connect(ctx, ServerSpec{Name: "w", Command: "/bin/cat", Protocol: ProtocolWebSocket})
	require.ErrorIs(t, err, errors.ErrProtocolNotImplemented)

	_, err = manager.Connect(ctx, ServerSpec{Name: "g", Command: "/bin/cat", Protocol: Protocol("grpc")})
	require.ErrorIs(t, err, errors.ErrProtocolNotAllowed)

	restricted := newTestManager(t, WithAllowedProtocols(ProtocolStdio))

	_, err = restricted.Connect(ctx, ServerSpec{Name: "s", Command: "/bin/cat", Protocol: ProtocolSSE})
	require.ErrorIs(t, err, errors.ErrProtocolNotAllowed)

	require.Empty(t, manager.List())
}

func TestConnect_CapacityLimit(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, WithMaxConnections(1))

	id, err := manager.Connect(ctx, ServerSpec{
		Name:    "echo",
		Command: writeServerScript(t, echoServerScript),
	})
	require.NoError(t, err)

	// The command does not exist: a capacity failure proves the limit is
	// enforced before anything is spawned.
	_, err = manager.Connect(ctx, ServerSpec{Name: "over", Command: "/nonexistent/mcp-server"})
	require.ErrorIs(t, err, errors.ErrCapacityExceeded)

	// Disconnecting frees the slot
	require.NoError(t, manager.Disconnect(id))

	_, err = manager.Connect(ctx, ServerSpec{
		Name:    "echo2",
		Command: writeServerScript(t, echoServerScript),
	})
	require.NoError(t, err)
}

func TestConnect_LaunchFailure(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t)

	_, err := manager.Connect(ctx, ServerSpec{Name: "ghost", Command: "/nonexistent/mcp-server"})
	require.Error(t, err)

	launchErr, ok := stderrors.AsType[*errors.LaunchError](err)
	require.True(t, ok)
	require.Equal(t, "/nonexistent/mcp-server", launchErr.Command)

	// No half-built connection stays registered
	require.Empty(t, manager.List())
}

func TestConnect_HandshakeTimeout_KillsProcess(t *testing.T) {
	ctx := context.Background()
	pidFile := filepath.Join(t.TempDir(), "pid")

	manager := newTestManager(t,
		WithConnectTimeout(200*time.Millisecond),
		WithTerminationGrace(time.Second),
	)

	_, err := manager.Connect(ctx, ServerSpec{
		Name:    "silent",
		Command: writeServerScript(t, silentServerScript),
		Env:     map[string]string{"MCPMGR_TEST_PIDFILE": pidFile},
	})
	require.Error(t, err)

	handshakeErr, ok := stderrors.AsType[*errors.HandshakeError](err)
	require.True(t, ok)
	require.Equal(t, "initialize", handshakeErr.Stage)
	require.ErrorIs(t, err, errors.ErrRequestTimeout)

	require.Empty(t, manager.List())

	// The spawned process must not leak
	data, readErr := os.ReadFile(pidFile)
	require.NoError(t, readErr)

	var pid int
	_, scanErr := fmt.Sscanf(string(data), "%d", &pid)
	require.NoError(t, scanErr)

	require.Eventually(t, func() bool {
		return processGone(pid)
	}, 10*time.Second, 20*time.Millisecond)
}

func TestExecuteTool_UnknownConnection(t *testing.T) {
	manager := newTestManager(t)

	_, err := manager.ExecuteTool(context.Background(), "no-such-id", "echo", nil, 0)
	require.ErrorIs(t, err, errors.ErrConnectionNotFound)

	_, err = manager.ListTools("no-such-id")
	require.ErrorIs(t, err, errors.ErrConnectionNotFound)

	_, ok := manager.GetStatus("no-such-id")
	require.False(t, ok)
}

func TestExecuteTool_ProcessDead(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t)

	id, err := manager.Connect(ctx, ServerSpec{
		Name:    "flaky",
		Command: writeServerScript(t, crashingServerScript),
	})
	require.NoError(t, err)

	// The server exits right after the handshake. The lazy liveness check
	// notices on the next status read.
	require.Eventually(t, func() bool {
		summary, ok := manager.GetStatus(id)

		return ok && summary.Status == StatusDisconnected
	}, 10*time.Second, 20*time.Millisecond)

	_, err = manager.ExecuteTool(ctx, id, "anything", nil, 0)
	require.ErrorIs(t, err, errors.ErrProcessDead)

	// The dead connection stays listed as disconnected until removed
	summaries := manager.List()
	require.Len(t, summaries, 1)
	require.Equal(t, StatusDisconnected, summaries[0].Status)

	require.NoError(t, manager.Disconnect(id))
	require.Empty(t, manager.List())
}

func TestDisconnect_DuringHandshake(t *testing.T) {
	ctx := context.Background()
	pidFile := filepath.Join(t.TempDir(), "pid")
	manager := newTestManager(t, WithTerminationGrace(time.Second))

	script := writeServerScript(t, slowServerScript)
	connectDone := make(chan error, 1)

	go func() {
		_, err := manager.Connect(ctx, ServerSpec{
			Name:    "slow",
			Command: script,
			Env:     map[string]string{"MCPMGR_TEST_PIDFILE": pidFile},
		})
		connectDone <- err
	}()

	// The reservation is visible as connecting while the handshake stalls
	var id string

	require.Eventually(t, func() bool {
		for _, summary := range manager.List() {
			if summary.Status == StatusConnecting {
				id = summary.ID

				return true
			}
		}

		return false
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, manager.Disconnect(id))

	// Connect must not resurrect the claimed connection; it fails and
	// tears the process down itself.
	select {
	case err := <-connectDone:
		require.ErrorIs(t, err, errors.ErrConnectionNotFound)
	case <-time.After(30 * time.Second):
		t.Fatal("Connect did not return after the connection was disconnected")
	}

	require.Empty(t, manager.List())

	data, readErr := os.ReadFile(pidFile)
	require.NoError(t, readErr)

	var pid int
	_, scanErr := fmt.Sscanf(string(data), "%d", &pid)
	require.NoError(t, scanErr)

	require.Eventually(t, func() bool {
		return processGone(pid)
	}, 10*time.Second, 20*time.Millisecond)
}

func TestDisconnect_Concurrent(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t)

	id, err := manager.Connect(ctx, ServerSpec{
		Name:    "echo",
		Command: writeServerScript(t, echoServerScript),
	})
	require.NoError(t, err)

	const racers = 5

	results := make(chan error, racers)

	var wg sync.WaitGroup

	for range racers {
		wg.Go(func() {
			results <- manager.Disconnect(id)
		})
	}

	wg.Wait()
	close(results)

	successes, notFound := 0, 0

	for err := range results {
		switch {
		case err == nil:
			successes++
		case stderrors.Is(err, errors.ErrConnectionNotFound):
			notFound++
		default:
			t.Fatalf("unexpected disconnect error: %v", err)
		}
	}

	require.Equal(t, 1, successes)
	require.Equal(t, racers-1, notFound)
}

func TestManager_Close(t *testing.T) {
	ctx := context.Background()
	manager := New()

	id1, err := manager.Connect(ctx, ServerSpec{
		Name:    "one",
		Command: writeServerScript(t, echoServerScript),
	})
	require.NoError(t, err)

	id2, err := manager.Connect(ctx, ServerSpec{
		Name:    "two",
		Command: writeServerScript(t, echoServerScript),
	})
	require.NoError(t, err)

	pid1 := connPid(t, manager, id1)
	pid2 := connPid(t, manager, id2)

	require.NoError(t, manager.Close())
	require.Empty(t, manager.List())

	require.Eventually(t, func() bool {
		return processGone(pid1) && processGone(pid2)
	}, 10*time.Second, 20*time.Millisecond)

	_, err = manager.Connect(ctx, ServerSpec{Name: "late", Command: "/bin/cat"})
	require.ErrorIs(t, err, errors.ErrManagerClosed)
}

func TestList_SortedByCreation(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t)

	var ids []string

	for _, name := range []string{"a", "b", "c"} {
		id, err := manager.Connect(ctx, ServerSpec{
			Name:    name,
			Command: writeServerScript(t, echoServerScript),
		})
		require.NoError(t, err)

		ids = append(ids, id)
	}

	summaries := manager.List()
	require.Len(t, summaries, 3)

	for i, summary := range summaries {
		require.Equal(t, ids[i], summary.ID)
		require.Equal(t, StatusConnected, summary.Status)
	}
}
