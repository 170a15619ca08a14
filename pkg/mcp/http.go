package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/jsonrpc"
	"github.com/toolgate/toolgate/pkg/logging"
)

// sessionHeader carries the server-assigned session across requests on the
// streamable HTTP transport.
const sessionHeader = "Mcp-Session-Id"

// HTTPConn talks to an MCP server over streamable HTTP: each request is a
// POST, and the response body is either plain JSON or an SSE stream whose
// final data event carries the JSON-RPC response.
type HTTPConn struct {
	rpcBase

	endpoint string
	headers  map[string]string
	client   *http.Client

	requestID atomic.Int64

	sessionMu sync.RWMutex
	sessionID string
}

func newHTTPConn(name string, cfg *config.ServerConfig, logger *slog.Logger) *HTTPConn {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	timeout := config.ResolveRequestTimeout(cfg)
	return &HTTPConn{
		rpcBase: rpcBase{
			name:    name,
			logger:  logger,
			timeout: timeout,
		},
		endpoint: cfg.URL,
		headers:  cfg.Headers,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPConn) post(ctx context.Context, req jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	c.sessionMu.RLock()
	if c.sessionID != "" {
		httpReq.Header.Set(sessionHeader, c.sessionID)
	}
	c.sessionMu.RUnlock()

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", c.name, err)
	}
	defer httpResp.Body.Close()

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		c.sessionMu.Lock()
		c.sessionID = sid
		c.sessionMu.Unlock()
	}

	// Notifications are fire-and-forget; servers answer them with 202 and an
	// empty body.
	if httpResp.StatusCode == http.StatusAccepted || httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("server %s returned HTTP %d: %s", c.name, httpResp.StatusCode, strings.TrimSpace(string(data)))
	}

	contentType := httpResp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return parseSSEResponse(httpResp.Body)
	}

	var resp jsonrpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", c.name, err)
	}
	return &resp, nil
}

// parseSSEResponse scans an SSE stream for the first data event containing a
// JSON-RPC response.
func parseSSEResponse(r io.Reader) (*jsonrpc.Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}
		if resp.ID != nil || resp.Error != nil {
			return &resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading SSE stream: %w", err)
	}
	return nil, fmt.Errorf("SSE stream ended without a response")
}

func (c *HTTPConn) call(ctx context.Context, method string, params, result any) error {
	id := c.requestID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp == nil {
		return fmt.Errorf("%s: server %s returned no response", method, c.name)
	}
	return decodeResult(resp, result)
}

func (c *HTTPConn) notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, req)
	return err
}

// Initialize performs the MCP handshake.
func (c *HTTPConn) Initialize(ctx context.Context) error {
	return initialize(ctx, c, &c.rpcBase)
}

// ListTools fetches the server's current tool list.
func (c *HTTPConn) ListTools(ctx context.Context) ([]Tool, error) {
	return listTools(ctx, c)
}

// CallTool invokes a tool on the server.
func (c *HTTPConn) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	return callTool(ctx, c, name, arguments)
}

// Stderr always returns nil; HTTP servers have no captured stderr.
func (c *HTTPConn) Stderr() []string { return nil }

// ClearStderr is a no-op for HTTP connections.
func (c *HTTPConn) ClearStderr() {}

// Close releases idle transport connections.
func (c *HTTPConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
