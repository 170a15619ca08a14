package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/jsonrpc"
	"github.com/toolgate/toolgate/pkg/logging"
)

// scannerBufferSize sizes the read buffers for child process output. Tool
// results can carry large payloads in a single line.
const scannerBufferSize = 1024 * 1024

// closeGracePeriod is how long Close waits after SIGTERM before sending
// SIGKILL to the child.
const closeGracePeriod = 5 * time.Second

// StdioConn talks to an MCP server running as a child process, with
// newline-delimited JSON-RPC on its stdin/stdout.
type StdioConn struct {
	rpcBase

	command string
	args    []string
	env     map[string]string

	requestID atomic.Int64
	pending   *pendingCalls
	stderr    *stderrBuffer

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closed  bool
}

// newStdioConn builds a stdio connection from config. The child process is
// started by start.
func newStdioConn(name string, cfg *config.ServerConfig, logger *slog.Logger) *StdioConn {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &StdioConn{
		rpcBase: rpcBase{
			name:    name,
			logger:  logger,
			timeout: config.ResolveRequestTimeout(cfg),
		},
		command: cfg.Command,
		args:    cfg.FullArgs(),
		env:     cfg.Env,
		pending: newPendingCalls(),
		stderr:  newStderrBuffer(maxStderrLines),
	}
}

// start launches the child process and the stdout/stderr readers.
func (c *StdioConn) start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	cmd := exec.Command(c.command, c.args...)
	cmd.Env = os.Environ()
	for k, v := range c.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.started = true
	c.logger.Debug("started MCP server process",
		"server", c.name, "command", c.command, "pid", cmd.Process.Pid)

	go c.readStdout(stdout)
	go c.readStderr(stderr)
	return nil
}

// readStdout parses JSON-RPC responses off the child's stdout and routes them
// to waiters. Non-JSON lines are ignored; badly behaved servers sometimes log
// to stdout.
func (c *StdioConn) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Debug("ignoring non-JSON stdout line", "server", c.name)
			continue
		}
		c.pending.dispatch(&resp)
	}
	c.pending.failAll("server process closed its stdout")
}

func (c *StdioConn) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		c.stderr.append(line)
		c.logger.Debug("server stderr", "server", c.name, "line", line)
	}
}

func (c *StdioConn) send(req jsonrpc.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stdin == nil {
		return fmt.Errorf("connection to %s is closed", c.name)
	}
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to %s: %w", c.name, err)
	}
	return nil
}

func (c *StdioConn) call(ctx context.Context, method string, params, result any) error {
	id := c.requestID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := c.pending.add(id)
	defer c.pending.remove(id)

	if err := c.send(req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case resp := <-ch:
		return decodeResult(resp, result)
	case <-ctx.Done():
		return fmt.Errorf("%s request to %s: %w", method, c.name, ctx.Err())
	}
}

func (c *StdioConn) notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(req)
}

// Initialize performs the MCP handshake with the child process.
func (c *StdioConn) Initialize(ctx context.Context) error {
	return initialize(ctx, c, &c.rpcBase)
}

// ListTools fetches the server's current tool list.
func (c *StdioConn) ListTools(ctx context.Context) ([]Tool, error) {
	return listTools(ctx, c)
}

// CallTool invokes a tool on the server.
func (c *StdioConn) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	return callTool(ctx, c, name, arguments)
}

// Stderr returns the buffered stderr lines from the child process.
func (c *StdioConn) Stderr() []string { return c.stderr.snapshot() }

// ClearStderr drops the buffered stderr lines.
func (c *StdioConn) ClearStderr() { c.stderr.clear() }

// Close shuts down the child process: stdin is closed, SIGTERM is sent, and
// SIGKILL follows if the process does not exit within the grace period.
func (c *StdioConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cmd := c.cmd
	stdin := c.stdin
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(closeGracePeriod):
		c.logger.Warn("server process did not exit, killing", "server", c.name, "pid", cmd.Process.Pid)
		cmd.Process.Kill()
		<-done
	}
	c.logger.Debug("server process stopped", "server", c.name)
	return nil
}
