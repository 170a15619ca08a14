package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/jsonrpc"
)

var upgrader = websocket.Upgrader{}

// fakeWSServer upgrades the connection and answers MCP requests frame by
// frame.
func fakeWSServer(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req jsonrpc.Request
			if err := json.Unmarshal(data, &req); err != nil || req.ID == nil {
				continue
			}

			var result any
			switch req.Method {
			case "initialize":
				result = InitializeResult{
					ProtocolVersion: ProtocolVersion,
					ServerInfo:      ServerInfo{Name: "ws-fake", Version: "0.2.0"},
				}
			case "tools/list":
				result = ToolsListResult{Tools: []Tool{
					{Name: "ping", InputSchema: json.RawMessage(`{"type":"object"}`)},
				}}
			case "tools/call":
				result = ToolCallResult{Content: []Content{NewTextContent("pong")}}
			default:
				resp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "unknown method")
				out, _ := json.Marshal(resp)
				ws.WriteMessage(websocket.TextMessage, out)
				continue
			}
			resp := jsonrpc.NewSuccessResponse(req.ID, result)
			out, _ := json.Marshal(resp)
			ws.WriteMessage(websocket.TextMessage, out)
		}
	}
}

func TestWSConnRoundTrip(t *testing.T) {
	srv := httptest.NewServer(fakeWSServer(t))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg := &config.ServerConfig{URL: url}
	conn, err := Connect(context.Background(), "ws-fake", cfg, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if _, ok := conn.(*WSConn); !ok {
		t.Fatalf("expected *WSConn, got %T", conn)
	}
	if info := conn.ServerInfo(); info.Name != "ws-fake" {
		t.Errorf("ServerInfo = %+v", info)
	}

	tools, err := conn.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("tools = %+v", tools)
	}

	result, err := conn.CallTool(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := UnwrapResult(result); got != "pong" {
		t.Errorf("result = %v", got)
	}
}

func TestWSConnDialFailure(t *testing.T) {
	cfg := &config.ServerConfig{URL: "ws://127.0.0.1:1/nope"}
	_, err := Connect(context.Background(), "down", cfg, nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestWSConnCloseIdempotent(t *testing.T) {
	srv := httptest.NewServer(fakeWSServer(t))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Connect(context.Background(), "ws-fake", &config.ServerConfig{URL: url}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestConnectTransportDispatch(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ServerConfig
		want config.Transport
	}{
		{"command means stdio", config.ServerConfig{Command: "server"}, config.TransportStdio},
		{"ws url means websocket", config.ServerConfig{URL: "ws://host/mcp"}, config.TransportWebSocket},
		{"wss url means websocket", config.ServerConfig{URL: "wss://host/mcp"}, config.TransportWebSocket},
		{"http url means http", config.ServerConfig{URL: "https://host/mcp"}, config.TransportHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ResolveTransport(); got != tt.want {
				t.Errorf("ResolveTransport = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := Connect(context.Background(), "empty", &config.ServerConfig{}, nil); err == nil {
		t.Error("expected error for config without transport")
	}
}
