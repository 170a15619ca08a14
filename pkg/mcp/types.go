// Package mcp implements client connections to MCP servers over stdio, HTTP,
// and WebSocket transports.
package mcp

import (
	"context"
	"encoding/json"
)

//go:generate mockgen -destination=../pool/mock_connection_test.go -package=pool . Connection

// Connection is one live logical connection to an MCP server. A Connection is
// never shared across pool keys; it is created by Connect and destroyed by
// Close.
type Connection interface {
	// Name returns the server name this connection was opened for.
	Name() string
	// ServerInfo returns the server identity from the initialize handshake.
	ServerInfo() ServerInfo
	// ListTools fetches the server's current tool list.
	ListTools(ctx context.Context) ([]Tool, error)
	// CallTool invokes a tool with the given arguments.
	CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error)
	// Stderr returns buffered stderr lines. Only stdio connections produce
	// output; other transports return nil.
	Stderr() []string
	// ClearStderr drops the buffered stderr lines.
	ClearStderr()
	// Close tears down the connection and any child process.
	Close() error
}

// ProtocolVersion is the MCP protocol version spoken by this implementation.
const ProtocolVersion = "2024-11-05"

// clientName identifies this client in the initialize handshake.
const clientName = "toolgate"

// maxStderrLines caps the per-connection stderr buffer. Oldest lines are
// dropped once the cap is reached.
const maxStderrLines = 500

// ServerInfo contains information about the MCP server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo contains information about the MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities describes what the server/client can do.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability indicates tools support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeParams contains parameters for the initialize request.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// InitializeResult is the response to initialize.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// Tool represents an MCP tool definition. InputSchema is kept as raw JSON to
// preserve the full JSON Schema without loss.
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolsListResult is the response to tools/list.
type ToolsListResult struct {
	Tools      []Tool  `json:"tools"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// ToolCallParams contains parameters for tools/call.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResult is the response to tools/call.
type ToolCallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content represents content in a tool response.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewTextContent creates a text content item.
func NewTextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// UnwrapResult flattens an MCP tool result into a plain value: text parts are
// joined, and JSON-decodable text is decoded so callers see native values
// instead of serialized strings.
func UnwrapResult(result *ToolCallResult) any {
	if result == nil {
		return nil
	}
	var parts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	joined := parts[0]
	if len(parts) > 1 {
		joined = join(parts)
	}
	var decoded any
	if err := json.Unmarshal([]byte(joined), &decoded); err == nil {
		return decoded
	}
	return joined
}

func join(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}
