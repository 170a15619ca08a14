package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/jsonrpc"
	"github.com/toolgate/toolgate/pkg/logging"
)

// wsDialTimeout bounds the WebSocket handshake.
const wsDialTimeout = 15 * time.Second

// WSConn talks to an MCP server over a WebSocket, one JSON-RPC message per
// text frame. A single read loop routes responses to in-flight calls by id.
type WSConn struct {
	rpcBase

	url     string
	headers map[string]string

	requestID atomic.Int64
	pending   *pendingCalls

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
}

func newWSConn(name string, cfg *config.ServerConfig, logger *slog.Logger) *WSConn {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &WSConn{
		rpcBase: rpcBase{
			name:    name,
			logger:  logger,
			timeout: config.ResolveRequestTimeout(cfg),
		},
		url:     cfg.URL,
		headers: cfg.Headers,
		pending: newPendingCalls(),
	}
}

// dial opens the WebSocket and starts the read loop.
func (c *WSConn) dial(ctx context.Context) error {
	header := http.Header{}
	for k, v := range c.headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing %s: %w (HTTP %d)", c.name, err, resp.StatusCode)
		}
		return fmt.Errorf("dialing %s: %w", c.name, err)
	}
	c.conn = conn
	c.logger.Debug("websocket connected", "server", c.name, "url", c.url)

	go c.readLoop()
	return nil
}

func (c *WSConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.pending.failAll("websocket connection closed")
			return
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Debug("ignoring malformed websocket message", "server", c.name)
			continue
		}
		c.pending.dispatch(&resp)
	}
}

func (c *WSConn) send(req jsonrpc.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection to %s is closed", c.name)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing to %s: %w", c.name, err)
	}
	return nil
}

func (c *WSConn) call(ctx context.Context, method string, params, result any) error {
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

func (c *WSConn) notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(req)
}

// Initialize performs the MCP handshake.
func (c *WSConn) Initialize(ctx context.Context) error {
	return initialize(ctx, c, &c.rpcBase)
}

// ListTools fetches the server's current tool list.
func (c *WSConn) ListTools(ctx context.Context) ([]Tool, error) {
	return listTools(ctx, c)
}

// CallTool invokes a tool on the server.
func (c *WSConn) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	return callTool(ctx, c, name, arguments)
}

// Stderr always returns nil; remote servers have no captured stderr.
func (c *WSConn) Stderr() []string { return nil }

// ClearStderr is a no-op for WebSocket connections.
func (c *WSConn) ClearStderr() {}

// Close sends a close frame and tears down the socket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn == nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
