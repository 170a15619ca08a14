package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/toolgate/toolgate/pkg/config"
)

// connectCmd opens (or returns) the pool connection for a server.
func (r *Router) connectCmd(ctx context.Context, args []string) Result {
	if r.opts.Pool == nil {
		return failure(&PoolError{Command: "connect"})
	}
	if len(args) < 1 {
		return failure(&ConfigError{Message: "usage: connect <server> [instanceId|new]"})
	}
	server := args[0]

	cfg, err := r.resolveConfig(server)
	if err != nil {
		return failure(err)
	}

	if len(args) > 1 && args[1] == "new" {
		info, err := r.opts.Pool.GetConnectionWithNewID(ctx, server, cfg)
		if err != nil {
			return failure(err)
		}
		return success(fmt.Sprintf("connected %s (id %d)", info.Key(), info.ID), nil)
	}

	connID := ""
	if len(args) > 1 {
		connID = args[1]
	}
	info, err := r.opts.Pool.GetConnection(ctx, server, cfg, connID)
	if err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("connected %s (id %d)", info.Key(), info.ID), nil)
}

// disconnect closes a pool connection by server name or numeric pool id.
func (r *Router) disconnect(args []string) Result {
	if r.opts.Pool == nil {
		return failure(&PoolError{Command: "disconnect"})
	}
	if len(args) < 1 {
		return failure(&ConfigError{Message: "usage: disconnect <server|id|all> [instanceId]"})
	}

	if args[0] == "all" {
		closed := r.opts.Pool.DisconnectAll()
		return success(fmt.Sprintf("disconnected %d connection(s)", len(closed)), nil)
	}

	if id, err := strconv.ParseInt(args[0], 10, 64); err == nil {
		info := r.opts.Pool.DisconnectByID(id)
		if info == nil {
			return failure(&ConfigError{Entity: args[0], Message: "no connection with that id"})
		}
		return success(fmt.Sprintf("disconnected %s (id %d)", info.Key(), info.ID), nil)
	}

	connID := ""
	if len(args) > 1 {
		connID = args[1]
	}
	info := r.opts.Pool.Disconnect(args[0], connID)
	if info == nil {
		return failure(&ConfigError{Entity: args[0], Message: "not connected"})
	}
	return success(fmt.Sprintf("disconnected %s (id %d)", info.Key(), info.ID), nil)
}

// reconnect tears down and re-dials a pool connection, applying any config
// changes made since the original connect.
func (r *Router) reconnect(ctx context.Context, args []string) Result {
	if r.opts.Pool == nil {
		return failure(&PoolError{Command: "reconnect"})
	}
	if len(args) < 1 {
		return failure(&ConfigError{Message: "usage: reconnect <server> [instanceId]"})
	}
	server := args[0]
	connID := ""
	if len(args) > 1 {
		connID = args[1]
	}

	// Prefer the current config so reconnect picks up setConfig mutations.
	cfg := r.opts.Configs[server]

	info, err := r.opts.Pool.Reconnect(ctx, server, cfg, connID)
	if err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("reconnected %s (id %d)", info.Key(), info.ID), nil)
}

// connections lists live pool connections.
func (r *Router) connections() Result {
	if r.opts.Pool == nil {
		return failure(&PoolError{Command: "connections"})
	}

	infos := r.opts.Pool.ListConnections()
	if len(infos) == 0 {
		return success("no live connections", nil)
	}

	var b strings.Builder
	for _, info := range infos {
		fmt.Fprintf(&b, "%d\t%s\t%s\tconnected %s\tlast used %s\n",
			info.ID, info.Key(), info.Status,
			info.ConnectedAt.Format("15:04:05"), info.LastUsed.Format("15:04:05"))
	}
	return success(strings.TrimRight(b.String(), "\n"), nil)
}

// setConfig mutates a live server config in place. Every supported key only
// takes effect on a fresh connection (argv and env at spawn, the request
// timeout at handshake), so changes to a connected server are reported as
// reconnect-required rather than forced; the caller decides whether a restart
// is safe.
func (r *Router) setConfig(args []string) Result {
	if len(args) < 2 {
		return failure(&ConfigError{Message: "usage: setConfig <server> <key=value ...>"})
	}
	server := args[0]

	cfg, err := r.resolveConfig(server)
	if err != nil {
		return failure(err)
	}

	needsReconnect := false
	var applied []string
	for _, tok := range args[1:] {
		key, value, found := strings.Cut(tok, "=")
		if !found {
			return failure(&ConfigError{Entity: tok, Message: "expected key=value"})
		}
		switch {
		case key == "extraArgs":
			extra, err := parseStringList(value)
			if err != nil {
				return failure(&ConfigError{Entity: key, Message: err.Error()})
			}
			cfg.ExtraArgs = extra
			needsReconnect = true
		case strings.HasPrefix(key, "env."):
			name := strings.TrimPrefix(key, "env.")
			if name == "" {
				return failure(&ConfigError{Entity: key, Message: "empty env variable name"})
			}
			if cfg.Env == nil {
				cfg.Env = make(map[string]string)
			}
			cfg.Env[name] = value
			needsReconnect = true
		case key == "requestTimeout":
			secs, err := strconv.Atoi(value)
			if err != nil || secs < 0 {
				return failure(&ConfigError{Entity: key, Message: "expected a non-negative integer of seconds"})
			}
			cfg.RequestTimeoutSeconds = secs
			needsReconnect = true
		default:
			return failure(&ConfigError{Entity: key, Message: "unknown setting (extraArgs, env.NAME, requestTimeout)"})
		}
		applied = append(applied, key)
	}

	out := fmt.Sprintf("updated %s: %s", server, strings.Join(applied, ", "))
	meta := &Meta{}
	if needsReconnect && r.opts.Pool != nil && r.opts.Pool.HasConnection(server) {
		meta.ReconnectRequired = true
		out += "\nreconnect required for changes to take effect"
	}
	return success(out, meta)
}

// parseStringList accepts a JSON array or a comma-separated list.
func parseStringList(value string) ([]string, error) {
	if value == "" {
		return nil, nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(value), &arr); err == nil {
		return arr, nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out, nil
}

// reload re-runs config discovery, disconnects pool connections for servers
// that vanished, and clear-and-repopulates the shared map so every holder
// sees the update.
func (r *Router) reload(ctx context.Context) Result {
	var fresh map[string]*config.ServerConfig
	var err error
	if r.opts.ConfigPath != "" {
		fresh, err = config.LoadFile(r.opts.ConfigPath)
	} else {
		fresh, err = config.LoadConfigs(r.opts.Cwd)
	}
	if err != nil {
		return failure(fmt.Errorf("reloading configs: %w", err))
	}
	if r.opts.ConfigPath != "" {
		if err := config.Normalize(fresh); err != nil {
			return failure(fmt.Errorf("reloading configs: %w", err))
		}
	}

	var removed []string
	for name := range r.opts.Configs {
		if _, ok := fresh[name]; !ok {
			removed = append(removed, name)
		}
	}

	if r.opts.Pool != nil {
		for _, info := range r.opts.Pool.ListConnections() {
			if _, ok := fresh[info.Server]; !ok {
				r.opts.Pool.Disconnect(info.Server, info.ConnID)
				r.logger.Info("disconnected removed server", "server", info.Server, "key", info.Key())
			}
		}
	}

	for name := range r.opts.Configs {
		delete(r.opts.Configs, name)
	}
	for name, cfg := range fresh {
		r.opts.Configs[name] = cfg
	}

	out := fmt.Sprintf("loaded %d server(s)", len(fresh))
	if len(removed) > 0 {
		out += ", removed: " + strings.Join(removed, ", ")
	}
	return success(out, nil)
}
