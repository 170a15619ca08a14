package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate/toolgate/pkg/jsonrpc"
)

// caller is the transport-level RPC surface each connection implements. The
// protocol helpers below build the MCP operations on top of it.
type caller interface {
	call(ctx context.Context, method string, params, result any) error
	notify(ctx context.Context, method string, params any) error
}

// rpcBase holds the state shared by all transport connections.
type rpcBase struct {
	name    string
	logger  *slog.Logger
	timeout time.Duration

	infoMu sync.RWMutex
	info   ServerInfo
}

// Name returns the server name this connection was opened for.
func (b *rpcBase) Name() string { return b.name }

// ServerInfo returns the server identity from the initialize handshake.
func (b *rpcBase) ServerInfo() ServerInfo {
	b.infoMu.RLock()
	defer b.infoMu.RUnlock()
	return b.info
}

func (b *rpcBase) setServerInfo(info ServerInfo) {
	b.infoMu.Lock()
	b.info = info
	b.infoMu.Unlock()
}

// initialize performs the MCP initialize handshake and records the server
// identity on the base.
func initialize(ctx context.Context, c caller, b *rpcBase) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: clientName, Version: "1.0.0"},
		Capabilities:    Capabilities{},
	}

	var result InitializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	b.setServerInfo(result.ServerInfo)

	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("sending initialized notification: %w", err)
	}

	b.logger.Debug("initialized MCP connection",
		"server", b.name,
		"remote_name", result.ServerInfo.Name,
		"remote_version", result.ServerInfo.Version)
	return nil
}

// listTools fetches the server's tool list, following pagination cursors.
func listTools(ctx context.Context, c caller) ([]Tool, error) {
	var tools []Tool
	var cursor *string
	for {
		params := map[string]any{}
		if cursor != nil {
			params["cursor"] = *cursor
		}
		var result ToolsListResult
		if err := c.call(ctx, "tools/list", params, &result); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == nil || *result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	return tools, nil
}

// callTool invokes a tool on the server.
func callTool(ctx context.Context, c caller, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := ToolCallParams{Name: name, Arguments: arguments}
	var result ToolCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return &result, nil
}

// pendingCalls routes responses to in-flight requests by id. The stdio and
// websocket transports share it; HTTP is strictly request/response and does
// not need one.
type pendingCalls struct {
	mu sync.Mutex
	m  map[int64]chan *jsonrpc.Response
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{m: make(map[int64]chan *jsonrpc.Response)}
}

func (p *pendingCalls) add(id int64) chan *jsonrpc.Response {
	ch := make(chan *jsonrpc.Response, 1)
	p.mu.Lock()
	p.m[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingCalls) remove(id int64) {
	p.mu.Lock()
	delete(p.m, id)
	p.mu.Unlock()
}

// dispatch delivers a response to its waiter. Responses with unknown or
// missing ids are dropped.
func (p *pendingCalls) dispatch(resp *jsonrpc.Response) {
	if resp.ID == nil {
		return
	}
	var id int64
	if err := json.Unmarshal(*resp.ID, &id); err != nil {
		return
	}
	p.mu.Lock()
	ch, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// failAll unblocks every waiter with an error response. Called when the
// transport dies so in-flight calls do not hang.
func (p *pendingCalls) failAll(message string) {
	p.mu.Lock()
	for id, ch := range p.m {
		resp := jsonrpc.NewErrorResponse(nil, jsonrpc.InternalError, message)
		ch <- &resp
		delete(p.m, id)
	}
	p.mu.Unlock()
}

// decodeResult unmarshals a successful response into result, surfacing RPC
// errors as Go errors.
func decodeResult(resp *jsonrpc.Response, result any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || resp.Result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("unmarshaling result: %w", err)
	}
	return nil
}
