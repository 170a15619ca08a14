package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/toolgate/toolgate/pkg/cache"
	"github.com/toolgate/toolgate/pkg/command"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/logging"
	"github.com/toolgate/toolgate/pkg/output"
	"github.com/toolgate/toolgate/pkg/state"

	"github.com/spf13/cobra"
)

var (
	rootDebug      bool
	rootNoCache    bool
	rootConfigPath string
	rootDaemonName string
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "MCP tool gateway",
	Long: `Toolgate is a gateway between an agent process and MCP tool servers.

It resolves tool schemas from a file-backed cache, pools connections to
stdio, HTTP, and WebSocket servers, and runs untrusted scripts against
those tools in a sandboxed worker process.

Commands run one-shot by default; when a toolgate daemon is running they
are routed to it so its connection pool is reused.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&rootNoCache, "no-cache", false, "Bypass the schema cache and fetch live")
	rootCmd.PersistentFlags().StringVarP(&rootConfigPath, "config", "c", "", "Path to a toolgate config file (overrides discovery)")
	rootCmd.PersistentFlags().StringVar(&rootDaemonName, "daemon-name", "default", "Name of the daemon to target")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliLogger builds the stderr logger for one-shot commands. Secrets are
// redacted at the handler.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if rootDebug {
		level = slog.LevelDebug
	}
	return logging.New(logging.Config{
		Level:  level,
		Format: logging.FormatText,
		Output: os.Stderr,
		Redact: true,
	})
}

// loadConfigs resolves server configs from --config or directory discovery.
func loadConfigs() (map[string]*config.ServerConfig, error) {
	if rootConfigPath != "" {
		configs, err := config.LoadFile(rootConfigPath)
		if err != nil {
			return nil, err
		}
		if err := config.Normalize(configs); err != nil {
			return nil, err
		}
		return configs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}
	return config.LoadConfigs(cwd)
}

// newLocalRouter builds a pool-less router for one-shot execution.
func newLocalRouter() (*command.Router, error) {
	configs, err := loadConfigs()
	if err != nil {
		return nil, err
	}

	logger := cliLogger()
	schemaCache, err := cache.New("")
	if err != nil {
		logger.Warn("schema cache unavailable", "error", err)
		schemaCache = nil
	} else {
		schemaCache.SetLogger(logging.WithComponent(logger, "cache"))
	}

	// No Stdin here: routeCommand drains the "-" document itself and hands
	// it to ExecuteWithStdin, so daemon and one-shot paths behave the same.
	cwd, _ := os.Getwd()
	return command.NewRouter(command.Options{
		Configs:    configs,
		Cache:      schemaCache,
		NoCache:    rootNoCache,
		ConfigPath: rootConfigPath,
		Cwd:        cwd,
		Logger:     logging.WithComponent(logger, "router"),
	}), nil
}

// runningDaemon returns the targeted daemon's state when it is alive.
func runningDaemon() *state.DaemonState {
	st, err := state.Load(rootDaemonName)
	if err != nil || st.Port <= 0 {
		return nil
	}
	if !state.IsRunning(st) {
		return nil
	}
	return st
}

// routeCommand executes one router command, preferring a running daemon so
// its pool and live connections are reused. call's "-" argument document is
// drained here, once, so it can travel to the daemon in the request or be
// replayed on the one-shot fallback.
func routeCommand(ctx context.Context, name string, args []string) (command.Result, error) {
	stdinDoc, err := readStdinDoc(name, args)
	if err != nil {
		return command.Result{}, err
	}

	if st := runningDaemon(); st != nil {
		res, err := newDaemonClient(st).Execute(ctx, name, args, stdinDoc)
		if err == nil {
			return res, nil
		}
		cliLogger().Warn("daemon unreachable, running one-shot", "daemon", st.Name, "error", err)
	}

	router, err := newLocalRouter()
	if err != nil {
		return command.Result{}, err
	}
	return router.ExecuteWithStdin(ctx, name, args, strings.NewReader(stdinDoc)), nil
}

// readStdinDoc drains this process's stdin when call is invoked with "-".
func readStdinDoc(name string, args []string) (string, error) {
	if name != "call" {
		return "", nil
	}
	for _, a := range args {
		if a == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return "", fmt.Errorf("reading stdin: %w", err)
			}
			return string(data), nil
		}
	}
	return "", nil
}

// emitResult prints a router result and exits non-zero on failure.
func emitResult(res command.Result) error {
	if res.Output != "" {
		fmt.Println(res.Output)
	}
	if !res.Success {
		output.New().Error(res.Error)
		code := res.ExitCode
		if code == 0 {
			code = command.ExitFailure
		}
		os.Exit(code)
	}
	return nil
}
