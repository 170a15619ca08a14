// Package command routes gateway commands over a fixed set: servers, tools,
// info, call, connect, disconnect, reconnect, connections, setConfig, reload.
// Every command returns a uniform Result; nothing panics or throws across the
// Execute boundary.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/toolgate/toolgate/pkg/cache"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/logging"
	"github.com/toolgate/toolgate/pkg/mcp"
	"github.com/toolgate/toolgate/pkg/pool"
)

// Options is the execution context shared by all commands on a Router.
type Options struct {
	// Configs is the shared runtime config map. setConfig and reload mutate
	// it in place so every holder observes the same view.
	Configs map[string]*config.ServerConfig
	// Pool is nil in one-shot mode; pool-only commands then fail fast.
	Pool *pool.Pool
	// Cache is the schema cache; nil disables caching entirely.
	Cache *cache.Cache
	// NoCache forces live fetches even when a fresh cache entry exists.
	NoCache bool
	// ConfigPath, when set, pins reload to one file instead of re-running
	// discovery from Cwd.
	ConfigPath string
	// Cwd anchors config discovery for reload.
	Cwd string
	// Stdin supplies raw JSON/YAML argument documents for call.
	Stdin  io.Reader
	Logger *slog.Logger
}

// Router executes gateway commands against a config map, an optional pool,
// and an optional schema cache.
type Router struct {
	opts   Options
	logger *slog.Logger

	// listedServers tracks which servers already had their tool listing
	// embedded in an error, so retries do not repeat large dumps.
	mu            sync.Mutex
	listedServers map[string]bool

	// connect is swappable in tests for the ephemeral (pool-less) path.
	connect func(ctx context.Context, name string, cfg *config.ServerConfig, logger *slog.Logger) (mcp.Connection, error)
}

// NewRouter creates a router over the given execution context.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Router{
		opts:          opts,
		logger:        logger,
		listedServers: make(map[string]bool),
		connect:       mcp.Connect,
	}
}

// Execute dispatches one command. Unknown commands fail with exit code 1.
func (r *Router) Execute(ctx context.Context, command string, args []string) Result {
	return r.ExecuteWithStdin(ctx, command, args, r.opts.Stdin)
}

// ExecuteWithStdin dispatches one command with an explicit argument-document
// reader for call's "-" form. Front ends that proxy commands from another
// process forward the caller's document here; the daemon has no usable stdin
// of its own.
func (r *Router) ExecuteWithStdin(ctx context.Context, command string, args []string, stdin io.Reader) Result {
	switch command {
	case "servers":
		return r.servers(ctx)
	case "tools":
		return r.tools(ctx, args)
	case "info":
		return r.info(ctx, args)
	case "call":
		return r.call(ctx, args, stdin)
	case "connect":
		return r.connectCmd(ctx, args)
	case "disconnect":
		return r.disconnect(args)
	case "reconnect":
		return r.reconnect(ctx, args)
	case "connections":
		return r.connections()
	case "setConfig":
		return r.setConfig(args)
	case "reload":
		return r.reload(ctx)
	default:
		return failure(&ConfigError{Entity: command, Message: "unknown command"})
	}
}

// resolveConfig looks up a server by name in the shared config map.
func (r *Router) resolveConfig(server string) (*config.ServerConfig, error) {
	cfg, ok := r.opts.Configs[server]
	if !ok {
		names := r.serverNames()
		hint := "no servers configured"
		if len(names) > 0 {
			hint = "configured servers: " + strings.Join(names, ", ")
		}
		return nil, &ConfigError{Entity: server, Message: "server not found (" + hint + ")"}
	}
	return cfg, nil
}

func (r *Router) serverNames() []string {
	names := make([]string, 0, len(r.opts.Configs))
	for name := range r.opts.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveSchema returns the tool list for a server, preferring a fresh cache
// entry, then a synchronous refresh over an existing pool connection, then a
// live fetch. Live fetches always write back to the cache.
func (r *Router) resolveSchema(ctx context.Context, server string, cfg *config.ServerConfig) (tools []mcp.Tool, fromCache bool, err error) {
	ttl := config.ResolveCacheTTL(cfg)

	if r.opts.Cache != nil && !r.opts.NoCache {
		cached, expired, ok := r.opts.Cache.GetWithExpiry(server, ttl)
		if ok && !expired {
			return cached, true, nil
		}
		if ok && expired && r.opts.Pool != nil && r.opts.Pool.HasConnection(server) {
			fresh, err := r.opts.Pool.RefreshCacheSync(ctx, server)
			if err == nil {
				return fresh, false, nil
			}
			r.logger.Debug("sync refresh failed, falling back to live fetch",
				"server", server, "error", err)
		}
	}

	tools, err = r.liveFetch(ctx, server, cfg)
	if err != nil {
		return nil, false, err
	}
	if r.opts.Cache != nil {
		if cerr := r.opts.Cache.Set(server, tools); cerr != nil {
			r.logger.Warn("cache write failed", "server", server, "error", cerr)
		}
	}
	return tools, false, nil
}

// liveFetch lists tools over a pool connection when a pool exists, or over a
// short-lived ephemeral connection otherwise.
func (r *Router) liveFetch(ctx context.Context, server string, cfg *config.ServerConfig) ([]mcp.Tool, error) {
	if r.opts.Pool != nil {
		info, err := r.opts.Pool.GetConnection(ctx, server, cfg, "")
		if err != nil {
			return nil, &TransportError{Server: server, Op: "connecting to", Err: err}
		}
		tools, err := info.Conn.ListTools(ctx)
		if err != nil {
			return nil, &TransportError{Server: server, Op: "listing tools on", Err: err}
		}
		return tools, nil
	}

	conn, err := r.connect(ctx, server, cfg, r.logger)
	if err != nil {
		return nil, &TransportError{Server: server, Op: "connecting to", Err: err}
	}
	defer conn.Close()

	tools, err := conn.ListTools(ctx)
	if err != nil {
		return nil, &TransportError{Server: server, Op: "listing tools on", Err: err}
	}
	return tools, nil
}

// servers lists configured servers with transport and cache status.
func (r *Router) servers(ctx context.Context) Result {
	names := r.serverNames()
	if len(names) == 0 {
		return success("no servers configured", nil)
	}

	meta := &Meta{}
	var b strings.Builder
	for _, name := range names {
		cfg := r.opts.Configs[name]
		line := fmt.Sprintf("%s\t%s", name, cfg.ResolveTransport())
		if r.opts.Cache != nil {
			if _, ok := r.opts.Cache.Get(name, config.ResolveCacheTTL(cfg)); ok {
				line += "\t(cached)"
				meta.CachedServers = append(meta.CachedServers, name)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	meta.FromCache = len(meta.CachedServers) == len(names)
	return success(strings.TrimRight(b.String(), "\n"), meta)
}

// tools lists the tools of one server.
func (r *Router) tools(ctx context.Context, args []string) Result {
	if len(args) < 1 {
		return failure(&ConfigError{Message: "usage: tools <server>"})
	}
	server := args[0]

	cfg, err := r.resolveConfig(server)
	if err != nil {
		return failure(err)
	}
	tools, fromCache, err := r.resolveSchema(ctx, server, cfg)
	if err != nil {
		return failure(err)
	}

	var b strings.Builder
	for _, t := range tools {
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString("\t")
			b.WriteString(firstLine(t.Description))
		}
		b.WriteString("\n")
	}
	out := strings.TrimRight(b.String(), "\n")
	if out == "" {
		out = fmt.Sprintf("%s exposes no tools", server)
	}
	return success(out, &Meta{FromCache: fromCache})
}

// info shows one tool's full description and input schema, or a server
// summary when no tool is named.
func (r *Router) info(ctx context.Context, args []string) Result {
	if len(args) < 1 {
		return failure(&ConfigError{Message: "usage: info <server> [tool]"})
	}
	server := args[0]

	cfg, err := r.resolveConfig(server)
	if err != nil {
		return failure(err)
	}
	tools, fromCache, err := r.resolveSchema(ctx, server, cfg)
	if err != nil {
		return failure(err)
	}

	if len(args) < 2 {
		out := fmt.Sprintf("%s\ttransport=%s\ttools=%d", server, cfg.ResolveTransport(), len(tools))
		return success(out, &Meta{FromCache: fromCache})
	}

	toolName := args[1]
	tool, err := r.findTool(tools, server, toolName)
	if err != nil {
		return failure(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s\n", server, tool.Name)
	if tool.Description != "" {
		b.WriteString(tool.Description)
		b.WriteString("\n")
	}
	if len(tool.InputSchema) > 0 {
		var pretty map[string]any
		if jsonErr := json.Unmarshal(tool.InputSchema, &pretty); jsonErr == nil {
			formatted, _ := json.MarshalIndent(pretty, "", "  ")
			b.Write(formatted)
		}
	}
	return success(strings.TrimRight(b.String(), "\n"), &Meta{FromCache: fromCache})
}

// findTool resolves a tool by name. The not-found error embeds the server's
// full tool listing only the first time per server; later misses point at the
// tools command instead of repeating the dump.
func (r *Router) findTool(tools []mcp.Tool, server, name string) (*mcp.Tool, error) {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i], nil
		}
	}
	msg := "tool not found (run 'tools " + server + "' for the listing)"
	if r.shouldListTools(server) {
		names := make([]string, len(tools))
		for i, t := range tools {
			names[i] = t.Name
		}
		msg = "tool not found (available: " + strings.Join(names, ", ") + ")"
	}
	return nil, &ConfigError{
		Entity:  server + "/" + name,
		Message: msg,
	}
}

// shouldListTools reports whether server's tool listing may still be embedded
// in an error message, flipping the once-per-server flag when it fires.
func (r *Router) shouldListTools(server string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listedServers[server] {
		return false
	}
	r.listedServers[server] = true
	return true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
