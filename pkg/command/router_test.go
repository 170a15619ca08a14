package command

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/cache"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/mcp"
	"github.com/toolgate/toolgate/pkg/pool"
)

// fakeConn records calls for router tests.
type fakeConn struct {
	mu       sync.Mutex
	name     string
	tools    []mcp.Tool
	callErr  error
	lastTool string
	lastArgs map[string]any
	calls    int
	closed   bool
}

func (c *fakeConn) Name() string               { return c.name }
func (c *fakeConn) ServerInfo() mcp.ServerInfo { return mcp.ServerInfo{Name: c.name} }
func (c *fakeConn) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.tools, nil
}
func (c *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolCallResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.lastTool = name
	c.lastArgs = args
	if c.callErr != nil {
		return nil, c.callErr
	}
	return &mcp.ToolCallResult{Content: []mcp.Content{mcp.NewTextContent(`{"status":"done"}`)}}, nil
}
func (c *fakeConn) Stderr() []string { return nil }
func (c *fakeConn) ClearStderr()     {}
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func searchTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "search",
			Description: "full text search",
			InputSchema: json.RawMessage(`{"properties":{"query":{"type":"string"},"count":{"type":"integer"}}}`),
		},
		{Name: "fetch", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
}

type routerFixture struct {
	router  *Router
	configs map[string]*config.ServerConfig
	conns   map[string]*fakeConn
	pool    *pool.Pool
	cache   *cache.Cache
}

// newFixture builds a router whose pool dials fakeConns pre-loaded with
// searchTools.
func newFixture(t *testing.T, withPool bool) *routerFixture {
	t.Helper()

	f := &routerFixture{
		configs: map[string]*config.ServerConfig{
			"web": {Command: "web-server"},
		},
		conns: make(map[string]*fakeConn),
	}

	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	f.cache = c

	dial := func(ctx context.Context, server string, cfg *config.ServerConfig, logger *slog.Logger) (mcp.Connection, error) {
		conn := &fakeConn{name: server, tools: searchTools()}
		f.conns[server] = conn
		return conn, nil
	}

	opts := Options{Configs: f.configs, Cache: c}
	if withPool {
		f.pool = pool.New(pool.Options{Dialer: dial})
		t.Cleanup(f.pool.Close)
		opts.Pool = f.pool
	}
	f.router = NewRouter(opts)
	f.router.connect = dial
	return f
}

func TestExecuteUnknownCommand(t *testing.T) {
	f := newFixture(t, false)
	res := f.router.Execute(context.Background(), "bogus", nil)
	if res.Success || res.ExitCode != ExitFailure {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Error, "unknown command") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestToolsUnknownServer(t *testing.T) {
	f := newFixture(t, false)
	res := f.router.Execute(context.Background(), "tools", []string{"ghost"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "ghost") || !strings.Contains(res.Error, "web") {
		t.Errorf("error should name the server and list configured ones: %q", res.Error)
	}
}

func TestToolsLiveFetchWritesCache(t *testing.T) {
	f := newFixture(t, false)

	res := f.router.Execute(context.Background(), "tools", []string{"web"})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "search")
	assert.False(t, res.Meta.FromCache)

	// Ephemeral connection must be released.
	assert.True(t, f.conns["web"].closed)

	cached, ok := f.cache.Get("web", time.Hour)
	require.True(t, ok, "live fetch should write the cache")
	assert.Len(t, cached, 2)

	// Second run answers from cache without dialing again.
	delete(f.conns, "web")
	res = f.router.Execute(context.Background(), "tools", []string{"web"})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Meta.FromCache)
	assert.NotContains(t, f.conns, "web")
}

func TestToolsNoCacheForcesLiveFetch(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.cache.Set("web", searchTools()))

	f.router.opts.NoCache = true
	res := f.router.Execute(context.Background(), "tools", []string{"web"})
	require.True(t, res.Success, res.Error)
	assert.False(t, res.Meta.FromCache)
	assert.Contains(t, f.conns, "web")
}

func TestServersListing(t *testing.T) {
	f := newFixture(t, false)
	f.configs["remote"] = &config.ServerConfig{URL: "https://example.com/mcp"}
	require.NoError(t, f.cache.Set("web", searchTools()))

	res := f.router.Execute(context.Background(), "servers", nil)
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "web\tstdio\t(cached)")
	assert.Contains(t, res.Output, "remote\thttp")
	assert.Equal(t, []string{"web"}, res.Meta.CachedServers)
}

func TestInfoTool(t *testing.T) {
	f := newFixture(t, false)

	res := f.router.Execute(context.Background(), "info", []string{"web", "search"})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "web/search")
	assert.Contains(t, res.Output, "full text search")
	assert.Contains(t, res.Output, "query")

	res = f.router.Execute(context.Background(), "info", []string{"web", "nope"})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "available: search, fetch")
}

func TestUnknownToolListsOnce(t *testing.T) {
	f := newFixture(t, false)

	res := f.router.Execute(context.Background(), "call", []string{"web", "nope"})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "available: search, fetch")

	res = f.router.Execute(context.Background(), "call", []string{"web", "nope"})
	require.False(t, res.Success)
	assert.NotContains(t, res.Error, "available:", "listing must appear only once per server")
	assert.Contains(t, res.Error, "tools web", "later misses should point at the tools command")
}

func TestCallCoercesArguments(t *testing.T) {
	f := newFixture(t, true)

	res := f.router.Execute(context.Background(), "call",
		[]string{"web", "search", "--query=golang", "--count=5"})
	require.True(t, res.Success, res.Error)

	conn := f.conns["web"]
	assert.Equal(t, "search", conn.lastTool)
	assert.Equal(t, map[string]any{"query": "golang", "count": int64(5)}, conn.lastArgs)

	require.NotNil(t, res.Meta.RawResult)
	assert.False(t, res.Meta.RawResult.IsError)
}

func TestCallMalformedArgument(t *testing.T) {
	f := newFixture(t, true)

	res := f.router.Execute(context.Background(), "call",
		[]string{"web", "search", "--count=abc"})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "expected integer")
	// The connection pool dialed for the schema, but no call went out.
	if conn, ok := f.conns["web"]; ok {
		assert.Zero(t, conn.calls)
	}
}

func TestCallStdinArguments(t *testing.T) {
	f := newFixture(t, true)
	f.router.opts.Stdin = strings.NewReader(`{"query": "from stdin"}`)

	res := f.router.Execute(context.Background(), "call", []string{"web", "search", "-"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"query": "from stdin"}, f.conns["web"].lastArgs)
}

func TestCallStdinForwardedByCaller(t *testing.T) {
	f := newFixture(t, true)

	// The router has no process stdin of its own; the argument document
	// arrives with the request, the way a front end forwards it.
	require.Nil(t, f.router.opts.Stdin)
	res := f.router.ExecuteWithStdin(context.Background(), "call",
		[]string{"web", "search", "-"}, strings.NewReader(`{"query": "forwarded"}`))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"query": "forwarded"}, f.conns["web"].lastArgs)
}

func TestCallFailureListsToolsOnce(t *testing.T) {
	f := newFixture(t, true)

	// Prime the pool connection, then make calls fail.
	first := f.router.Execute(context.Background(), "call", []string{"web", "search"})
	require.True(t, first.Success, first.Error)
	f.conns["web"].callErr = errors.New("stream reset")

	res := f.router.Execute(context.Background(), "call", []string{"web", "search"})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "available tools on web")

	res = f.router.Execute(context.Background(), "call", []string{"web", "search"})
	require.False(t, res.Success)
	assert.NotContains(t, res.Error, "available tools", "listing must appear only once per server")
}

func TestPoolOnlyCommandsWithoutPool(t *testing.T) {
	f := newFixture(t, false)
	for _, cmd := range []string{"connect", "disconnect", "reconnect", "connections"} {
		res := f.router.Execute(context.Background(), cmd, []string{"web"})
		if res.Success {
			t.Errorf("%s should fail without a pool", cmd)
		}
		if !strings.Contains(res.Error, "daemon mode only") {
			t.Errorf("%s error = %q", cmd, res.Error)
		}
	}
}

func TestConnectAndConnections(t *testing.T) {
	f := newFixture(t, true)

	res := f.router.Execute(context.Background(), "connect", []string{"web"})
	require.True(t, res.Success, res.Error)

	res = f.router.Execute(context.Background(), "connect", []string{"web", "new"})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "web[1]")

	res = f.router.Execute(context.Background(), "connections", nil)
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "web")
	assert.Contains(t, res.Output, "web[1]")

	res = f.router.Execute(context.Background(), "disconnect", []string{"web", "1"})
	require.True(t, res.Success, res.Error)

	res = f.router.Execute(context.Background(), "disconnect", []string{"web", "1"})
	require.False(t, res.Success, "second disconnect should fail")
}

func TestReconnectMintsNewConnection(t *testing.T) {
	f := newFixture(t, true)

	res := f.router.Execute(context.Background(), "connect", []string{"web"})
	require.True(t, res.Success, res.Error)
	old := f.conns["web"]

	res = f.router.Execute(context.Background(), "reconnect", []string{"web"})
	require.True(t, res.Success, res.Error)
	assert.True(t, old.closed, "old connection must be closed")
}

func TestSetConfig(t *testing.T) {
	f := newFixture(t, true)

	// Not connected yet: no reconnect notice.
	res := f.router.Execute(context.Background(), "setConfig",
		[]string{"web", "requestTimeout=10"})
	require.True(t, res.Success, res.Error)
	assert.False(t, res.Meta.ReconnectRequired)
	assert.Equal(t, 10, f.configs["web"].RequestTimeoutSeconds)

	// Connected: reconnect required.
	f.router.Execute(context.Background(), "connect", []string{"web"})
	res = f.router.Execute(context.Background(), "setConfig",
		[]string{"web", "extraArgs=--verbose,--color", "env.TOKEN=secret"})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Meta.ReconnectRequired)
	assert.Contains(t, res.Output, "reconnect required")
	assert.Equal(t, []string{"--verbose", "--color"}, f.configs["web"].ExtraArgs)
	assert.Equal(t, "secret", f.configs["web"].Env["TOKEN"])

	// The request timeout is fixed at handshake, so it needs one too.
	res = f.router.Execute(context.Background(), "setConfig",
		[]string{"web", "requestTimeout=30"})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Meta.ReconnectRequired)
	assert.Equal(t, 30, f.configs["web"].RequestTimeoutSeconds)

	res = f.router.Execute(context.Background(), "setConfig", []string{"web", "bogus=1"})
	require.False(t, res.Success)
}

func TestReloadRemovesStaleConnections(t *testing.T) {
	f := newFixture(t, true)
	f.configs["old"] = &config.ServerConfig{Command: "old-server"}

	f.router.Execute(context.Background(), "connect", []string{"web"})
	f.router.Execute(context.Background(), "connect", []string{"old"})
	require.Len(t, f.pool.ListConnections(), 2)

	// New config keeps web only.
	path := filepath.Join(t.TempDir(), "mcp-servers.json")
	data := []byte(`{
		// comments are allowed here
		"mcpServers": {
			"web": {"command": "web-server"},
		}
	}`)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f.router.opts.ConfigPath = path

	res := f.router.Execute(context.Background(), "reload", nil)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "removed: old")

	infos := f.pool.ListConnections()
	require.Len(t, infos, 1)
	assert.Equal(t, "web", infos[0].Server)

	// The shared map was mutated in place, not replaced.
	_, hasOld := f.configs["old"]
	assert.False(t, hasOld)
	_, hasWeb := f.configs["web"]
	assert.True(t, hasWeb)
}
