package command

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// call invokes one tool: resolve config, resolve schema, resolve tool, parse
// arguments, acquire a connection (pool or ephemeral), invoke. The raw
// tool-call payload travels in Meta.RawResult; the caller layer decides on
// formatting.
func (r *Router) call(ctx context.Context, args []string, stdin io.Reader) Result {
	if len(args) < 2 {
		return failure(&ConfigError{Message: "usage: call <server> <tool> [--arg=value ...] [-]"})
	}
	server, toolName := args[0], args[1]

	cfg, err := r.resolveConfig(server)
	if err != nil {
		return failure(err)
	}
	tools, fromCache, err := r.resolveSchema(ctx, server, cfg)
	if err != nil {
		return failure(err)
	}
	tool, err := r.findTool(tools, server, toolName)
	if err != nil {
		return failure(err)
	}

	toolArgs, err := parseCallArgs(tool, args[2:], stdin)
	if err != nil {
		return failure(err)
	}

	return r.finishCall(ctx, server, cfg, tools, tool.Name, toolArgs, fromCache)
}

// ExecuteCall invokes a tool with already-typed arguments, bypassing the
// CLI-string coercion. The exec worker bridge uses it so script-supplied
// values keep their native types.
func (r *Router) ExecuteCall(ctx context.Context, server, toolName string, toolArgs map[string]any) Result {
	cfg, err := r.resolveConfig(server)
	if err != nil {
		return failure(err)
	}
	tools, fromCache, err := r.resolveSchema(ctx, server, cfg)
	if err != nil {
		return failure(err)
	}
	tool, err := r.findTool(tools, server, toolName)
	if err != nil {
		return failure(err)
	}
	return r.finishCall(ctx, server, cfg, tools, tool.Name, toolArgs, fromCache)
}

func (r *Router) finishCall(ctx context.Context, server string, cfg *config.ServerConfig, tools []mcp.Tool, toolName string, toolArgs map[string]any, fromCache bool) Result {
	result, err := r.invoke(ctx, server, cfg, toolName, toolArgs)
	if err != nil {
		return r.invokeFailure(server, tools, err)
	}

	output := ""
	if v := mcp.UnwrapResult(result); v != nil {
		output = fmt.Sprintf("%v", v)
	}
	res := success(output, &Meta{FromCache: fromCache, RawResult: result})
	if result.IsError {
		res.Success = false
		res.ExitCode = ExitFailure
		res.Error = output
	}
	return res
}

// parseCallArgs builds the tool argument map from --key=value tokens, or from
// a raw JSON/YAML document on the given reader when "-" is given.
func parseCallArgs(tool *mcp.Tool, tokens []string, stdin io.Reader) (map[string]any, error) {
	kv, useStdin, err := parseFlagArgs(tokens)
	if err != nil {
		return nil, err
	}
	if useStdin {
		if len(kv) > 0 {
			return nil, &ConfigError{Message: "stdin arguments cannot be combined with --key=value arguments"}
		}
		return readStdinArgs(stdin)
	}
	return coerceArgs(parseToolSchema(tool.InputSchema), kv)
}

// invoke runs the call over a persistent pool connection when a pool exists,
// or over an ephemeral connection released right after.
func (r *Router) invoke(ctx context.Context, server string, cfg *config.ServerConfig, toolName string, toolArgs map[string]any) (*mcp.ToolCallResult, error) {
	if r.opts.Pool != nil {
		info, err := r.opts.Pool.GetConnection(ctx, server, cfg, "")
		if err != nil {
			return nil, &TransportError{Server: server, Op: "connecting to", Err: err}
		}
		result, err := info.Conn.CallTool(ctx, toolName, toolArgs)
		if err != nil {
			return nil, &TransportError{Server: server, Op: "calling " + toolName + " on", Err: err}
		}
		return result, nil
	}

	conn, err := r.connect(ctx, server, cfg, r.logger)
	if err != nil {
		return nil, &TransportError{Server: server, Op: "connecting to", Err: err}
	}
	defer conn.Close()

	result, err := conn.CallTool(ctx, toolName, toolArgs)
	if err != nil {
		return nil, &TransportError{Server: server, Op: "calling " + toolName + " on", Err: err}
	}
	return result, nil
}

// invokeFailure enriches a transport failure with the server's tool listing,
// once per server per process, so a retrying caller can self-correct without
// the listing repeating across attempts.
func (r *Router) invokeFailure(server string, tools []mcp.Tool, err error) Result {
	res := failure(err)
	if !r.shouldListTools(server) {
		return res
	}

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	res.Error = res.Error + "\navailable tools on " + server + ": " + strings.Join(names, ", ")
	return res
}
