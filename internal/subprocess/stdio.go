package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wagiedev/mcp-manager-go/internal/errors"
)

const (
	// maxScanTokenSize is the maximum buffer size for reading server output lines.
	maxScanTokenSize = 1024 * 1024 // 1MB
	// maxStderrBufferSize is the maximum size for the stderr buffer.
	// Stderr reading continues indefinitely (the callback receives all lines),
	// but the buffer stops growing after this limit to prevent unbounded memory usage.
	maxStderrBufferSize = 10 * 1024 * 1024 // 10MB
)

// LaunchSpec describes how to spawn an MCP server process.
type LaunchSpec struct {
	// Command is the executable to run. Resolved against PATH if not absolute.
	Command string
	// Args are passed verbatim to the executable.
	Args []string
	// Env entries are merged over the parent process environment.
	Env map[string]string
	// Dir is the working directory. Defaults to the current directory.
	Dir string
}

// StdioTransport runs an MCP server as a child process and exchanges
// newline-delimited JSON messages over its stdin/stdout pipes.
//
// The transport owns the process handle exclusively. Terminate or Close
// must be called on every exit path so no child process leaks.
type StdioTransport struct {
	log            *slog.Logger
	spec           LaunchSpec
	stderrCallback func(string) // Callback for streaming stderr output

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu          sync.Mutex // Protects stdin writes and lifecycle flags
	closing     bool       // Whether Terminate/Close has been called (intentional shutdown)
	stdinClosed bool       // Whether stdin was closed

	// exited is closed once Wait has reaped the process.
	exited   chan struct{}
	exitOnce sync.Once
}

// NewStdioTransport creates a transport for the given launch spec.
//
// The logger receives debug, info, warn, and error messages during transport
// operations. stderrCallback, if non-nil, is invoked for every stderr line
// the server writes; pass nil to only buffer stderr for error reporting.
func NewStdioTransport(log *slog.Logger, spec LaunchSpec, stderrCallback func(string)) *StdioTransport {
	return &StdioTransport{
		log:            log.With("component", "stdio_transport"),
		spec:           spec,
		stderrCallback: stderrCallback,
		exited:         make(chan struct{}),
	}
}

// Start spawns the server process with merged environment and three pipes.
//
// Returns LaunchError if the process fails to spawn (executable not found,
// permission denied). The process is deliberately not bound to ctx: its
// lifetime is controlled by Terminate/Close, not by the caller's connect
// deadline.
func (t *StdioTransport) Start(_ context.Context) error {
	t.log.Info("Starting MCP server subprocess", "command", t.spec.Command)

	//nolint:gosec // G204: Subprocess launching with caller-supplied command is the point of this package
	cmd := exec.Command(t.spec.Command, t.spec.Args...)
	cmd.Dir = t.spec.Dir
	cmd.Env = mergeEnvironment(t.spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.log.Error("Failed to create stdin pipe", "error", err)

		return &errors.LaunchError{Command: t.spec.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	t.stdin = stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.log.Error("Failed to create stdout pipe", "error", err)

		return &errors.LaunchError{Command: t.spec.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	t.stdout = stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.log.Error("Failed to create stderr pipe", "error", err)

		return &errors.LaunchError{Command: t.spec.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	t.stderr = stderr

	if err := cmd.Start(); err != nil {
		t.log.Error("Failed to start server process", "error", err)

		return &errors.LaunchError{Command: t.spec.Command, Err: fmt.Errorf("start process: %w", err)}
	}

	t.cmd = cmd
	t.log.Info("MCP server subprocess started", "pid", cmd.Process.Pid)

	return nil
}

// ReadMessages reads newline-delimited JSON messages from the server stdout.
//
// It starts a goroutine that reads complete lines (partial writes are
// buffered by the scanner until a newline arrives) and forwards each line as
// a raw JSON document. Lines that are not valid JSON produce a
// JSONDecodeError on the error channel but do not stop processing.
//
// The goroutine exits when the server process terminates or the context is
// cancelled, then reaps the process. An abnormal exit produces a
// ProcessError carrying the exit code and captured stderr, unless the
// transport is shutting down intentionally. Both channels are closed when
// the goroutine exits.
func (t *StdioTransport) ReadMessages(
	ctx context.Context,
) (<-chan json.RawMessage, <-chan error) {
	messages := make(chan json.RawMessage)
	errs := make(chan error, 1)

	var stderrWg sync.WaitGroup

	var stderrBuffer strings.Builder

	var stderrMu sync.Mutex

	// Always buffer stderr for error reporting (must complete reads before Wait())
	// See: https://pkg.go.dev/os/exec#Cmd.StderrPipe

	stderrWg.Go(func() {
		// Simple scanner loop - relies on process exit to close the pipe and
		// unblock Scan().
		scanner := bufio.NewScanner(t.stderr)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()

			stderrMu.Lock()

			if stderrBuffer.Len() < maxStderrBufferSize {
				if stderrBuffer.Len() > 0 {
					stderrBuffer.WriteString("\n")
				}

				stderrBuffer.WriteString(line)
			}

			stderrMu.Unlock()

			if t.stderrCallback != nil {
				t.stderrCallback(line)
			}
		}

		// Log scanner errors (don't fail - process may have exited)
		if err := scanner.Err(); err != nil {
			t.log.Debug("Stderr scanner error", "error", err)
		}
	})

	go func() {
		defer close(messages)
		defer close(errs)
		defer t.log.Debug("ReadMessages goroutine stopped")

		scanner := bufio.NewScanner(t.stdout)
		// Set large buffer for big tool results
		buf := make([]byte, maxScanTokenSize)
		scanner.Buffer(buf, maxScanTokenSize)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				t.log.Debug("Context cancelled during scan", "error", ctx.Err())

				errs <- ctx.Err()

				return
			default:
			}

			line := scanner.Bytes()

			if !json.Valid(line) {
				t.log.Debug("Server wrote a non-JSON line", "line", string(line))

				errs <- &errors.JSONDecodeError{
					RawData: string(line),
					Err:     stderrors.New("line is not a complete JSON document"),
				}

				continue
			}

			// Copy out of the scanner's reusable buffer
			msg := make(json.RawMessage, len(line))
			copy(msg, line)

			select {
			case messages <- msg:
			case <-ctx.Done():
				t.log.Debug("Context cancelled during message send", "error", ctx.Err())

				errs <- ctx.Err()

				return
			}
		}

		if err := scanner.Err(); err != nil {
			t.log.Error("Scanner error while reading server output", "error", err)

			errs <- fmt.Errorf("scanner error: %w", err)
		}

		if err := t.reap(&stderrWg, &stderrMu, &stderrBuffer); err != nil {
			errs <- err
		}
	}()

	return messages, errs
}

// reap joins the stderr goroutine, waits for the process exit, and records
// it. Returns a ProcessError for abnormal exits outside intentional shutdown.
func (t *StdioTransport) reap(
	stderrWg *sync.WaitGroup,
	stderrMu *sync.Mutex,
	stderrBuffer *strings.Builder,
) error {
	stderrWg.Wait()

	t.log.Debug("Waiting for server process to exit")

	err := t.cmd.Wait()

	t.markExited()

	if err == nil {
		t.log.Info("Server process exited cleanly")

		return nil
	}

	t.mu.Lock()
	isClosing := t.closing
	t.mu.Unlock()

	if isClosing {
		t.log.Debug("Server process terminated during shutdown")

		return nil
	}

	stderrMu.Lock()

	stderrOutput := stderrBuffer.String()

	stderrMu.Unlock()

	exitCode := 0

	if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
		exitCode = exitErr.ExitCode()
	}

	t.log.Error("Server process exited with error", "exit_code", exitCode, "stderr", stderrOutput)

	return &errors.ProcessError{
		ExitCode: exitCode,
		Stderr:   stderrOutput,
		Err:      err,
	}
}

// SendMessage writes one JSON message to the server stdin.
//
// The data should be a complete JSON document; a trailing newline is added
// if missing so the server always sees one document per line. Safe for
// concurrent use; respects context cancellation even during blocking writes.
func (t *StdioTransport) SendMessage(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil {
		return errors.ErrTransportNotConnected
	}

	if t.stdinClosed {
		return errors.ErrStdinClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.log.Debug("Sending message to server", "data_len", len(data))

	// Use explicit copy to avoid mutating the caller's backing array if the
	// slice has spare capacity
	if len(data) == 0 || data[len(data)-1] != '\n' {
		newData := make([]byte, len(data)+1)
		copy(newData, data)
		newData[len(data)] = '\n'
		data = newData
	}

	// Write in goroutine to respect context cancellation
	done := make(chan error, 1)

	go func() {
		_, err := t.stdin.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.log.Error("Failed to write message to server", "error", err)

			return fmt.Errorf("write to stdin: %w", err)
		}

		return nil

	case <-ctx.Done():
		t.log.Debug("Context cancelled during write, closing stdin")
		// Close stdin to unblock the blocked Write (safe since Go 1.9+)
		if t.stdin != nil {
			_ = t.stdin.Close()
			t.stdinClosed = true
		}
		// Wait for goroutine to exit with timeout to prevent leak
		select {
		case <-done:
		case <-time.After(1 * time.Second):
			t.log.Warn("Write goroutine did not exit after stdin close, potential leak")
		}

		return ctx.Err()
	}
}

// Alive reports whether the server process is still running.
//
// This is a non-blocking check: it consults the exit record maintained by
// the reader goroutine and falls back to a signal-0 probe. It never waits.
// The probe can report an exited but not-yet-reaped child as alive; the
// window closes as soon as the reader goroutine observes EOF and reaps it,
// and callers in that window fail on the subsequent pipe I/O instead.
func (t *StdioTransport) Alive() bool {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return false
	}

	select {
	case <-t.exited:
		return false
	default:
	}

	return cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Pid returns the process id, or 0 if the process never started.
func (t *StdioTransport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}

	return t.cmd.Process.Pid
}

// Exited returns a channel that is closed once the process has been reaped.
func (t *StdioTransport) Exited() <-chan struct{} {
	return t.exited
}

// Terminate requests a graceful shutdown of the server process.
//
// It closes stdin, sends SIGTERM, and waits up to grace for the process to
// exit before force-killing it. Safe to call multiple times or on an
// already-exited process.
func (t *StdioTransport) Terminate(grace time.Duration) error {
	t.mu.Lock()

	t.closing = true

	if t.stdin != nil && !t.stdinClosed {
		_ = t.stdin.Close()
		t.stdinClosed = true
	}

	cmd := t.cmd
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	t.log.Debug("Terminating server process", "pid", cmd.Process.Pid, "grace", grace)

	// Signal errors mean the process is already gone
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.log.Debug("SIGTERM failed, process likely exited", "error", err)

		return nil
	}

	select {
	case <-t.exited:
		t.log.Debug("Server process exited within grace period")

		return nil
	case <-time.After(grace):
	}

	t.log.Warn("Server process did not exit within grace period, killing", "pid", cmd.Process.Pid)

	if err := cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill server process (pid %d): %w", cmd.Process.Pid, err)
	}

	return nil
}

// Close terminates the server process immediately.
//
// This forcefully kills the process using SIGKILL. It's safe to call Close
// multiple times or on an already-terminated process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closing = true
	t.stdinClosed = true

	if t.cmd != nil && t.cmd.Process != nil {
		t.log.Debug("Killing server process", "pid", t.cmd.Process.Pid)

		if err := t.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill server process (pid %d): %w", t.cmd.Process.Pid, err)
		}
	}

	return nil
}

// markExited records that the process has been reaped.
func (t *StdioTransport) markExited() {
	t.exitOnce.Do(func() {
		close(t.exited)
	})
}

// mergeEnvironment layers connection-scoped variables over the parent
// process environment. Later entries win, so overrides take effect.
func mergeEnvironment(overrides map[string]string) []string {
	env := os.Environ()

	for key, value := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	return env
}
