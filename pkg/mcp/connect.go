package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/toolgate/toolgate/pkg/config"
)

// Connect establishes a connection to an MCP server and completes the
// initialize handshake. The transport is chosen from the config: stdio for a
// command, websocket for ws:// and wss:// URLs, HTTP otherwise.
func Connect(ctx context.Context, name string, cfg *config.ServerConfig, logger *slog.Logger) (Connection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server %q: nil config", name)
	}

	switch cfg.ResolveTransport() {
	case config.TransportStdio:
		conn := newStdioConn(name, cfg, logger)
		if err := conn.start(ctx); err != nil {
			return nil, err
		}
		if err := conn.Initialize(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil

	case config.TransportWebSocket:
		conn := newWSConn(name, cfg, logger)
		if err := conn.dial(ctx); err != nil {
			return nil, err
		}
		if err := conn.Initialize(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil

	case config.TransportHTTP:
		conn := newHTTPConn(name, cfg, logger)
		if err := conn.Initialize(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("server %q: no transport configured", name)
	}
}
