package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/toolgate/toolgate/pkg/cache"
	"github.com/toolgate/toolgate/pkg/command"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/logging"
	"github.com/toolgate/toolgate/pkg/output"
	"github.com/toolgate/toolgate/pkg/pool"
	"github.com/toolgate/toolgate/pkg/reload"
	"github.com/toolgate/toolgate/pkg/state"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	daemonPort        int
	daemonForeground  bool
	daemonWatch       bool
	daemonChild       bool
	daemonIdleTimeout time.Duration
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the toolgate daemon",
	Long: `The daemon owns the connection pool and serves routed commands over a
local HTTP endpoint. While it runs, other toolgate commands are routed to
it so live connections and refreshed schemas are shared.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemonStart()
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the gateway daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemonStop()
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show running daemons",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemonStatus()
	},
}

func init() {
	daemonStartCmd.Flags().IntVarP(&daemonPort, "port", "p", 0, "Port for the daemon API (0 picks a free port)")
	daemonStartCmd.Flags().BoolVarP(&daemonForeground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	daemonStartCmd.Flags().BoolVarP(&daemonWatch, "watch", "w", false, "Watch the config file and hot reload on change")
	daemonStartCmd.Flags().BoolVar(&daemonChild, "daemon-child", false, "Internal flag for the daemon process")
	_ = daemonStartCmd.Flags().MarkHidden("daemon-child")
	daemonStartCmd.Flags().DurationVar(&daemonIdleTimeout, "idle-timeout", pool.DefaultIdleTimeout, "Close pool connections idle for this long")

	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart() error {
	name := rootDaemonName

	// Clean up stale state (process died without cleanup) and refuse a
	// second daemon under the same name.
	var existing *state.DaemonState
	err := state.WithLock(name, 5*time.Second, func() error {
		cleaned, err := state.CheckAndClean(name)
		if err != nil {
			return fmt.Errorf("checking state: %w", err)
		}
		if cleaned {
			fmt.Printf("cleaned up stale state for %q\n", name)
		}
		existing, _ = state.Load(name)
		return nil
	})
	if err != nil {
		return err
	}
	if existing != nil && state.IsRunning(existing) {
		return fmt.Errorf("daemon %q is already running on port %d (PID %d)\nuse 'toolgate daemon stop' first", name, existing.Port, existing.PID)
	}

	if daemonChild || daemonForeground {
		return runDaemonServe(name)
	}

	pid, err := forkDaemon(name)
	if err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	if err := waitForHealthy(name, 15*time.Second); err != nil {
		return fmt.Errorf("daemon failed to become ready: %w\ncheck logs at %s", err, state.LogPath(name))
	}

	st, err := state.Load(name)
	if err != nil {
		return fmt.Errorf("daemon may have failed to start, check logs at %s", state.LogPath(name))
	}

	printer := output.New()
	printer.Info("daemon running", "name", name, "port", st.Port, "pid", pid)
	printer.Print("logs: %s\n", state.LogPath(name))
	return nil
}

// forkDaemon re-invokes the binary detached, with --daemon-child set.
func forkDaemon(name string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("getting executable: %w", err)
	}
	if err := state.EnsureLogDir(); err != nil {
		return 0, fmt.Errorf("creating log directory: %w", err)
	}

	// Raw child stdio lands in a plain side file so panics survive; the
	// structured log at LogPath rotates and must not be shared.
	stdioLog, err := os.OpenFile(state.LogPath(name)+".stdio", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening stdio log: %w", err)
	}

	args := []string{"daemon", "start",
		"--daemon-child",
		"--daemon-name", name,
		"--port", strconv.Itoa(daemonPort),
		"--idle-timeout", daemonIdleTimeout.String()}
	if daemonWatch {
		args = append(args, "--watch")
	}
	if rootConfigPath != "" {
		args = append(args, "--config", rootConfigPath)
	}
	if rootNoCache {
		args = append(args, "--no-cache")
	}
	if rootDebug {
		args = append(args, "--debug")
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = stdioLog
	cmd.Stderr = stdioLog
	cmd.Stdin = nil
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		stdioLog.Close()
		return 0, err
	}
	return cmd.Process.Pid, nil
}

// runDaemonServe runs the daemon loop: pool, router, local HTTP API, and an
// optional config watcher. Blocks until a signal or server error.
func runDaemonServe(name string) error {
	logger, closeLogs := daemonLogger(name)
	defer closeLogs()

	configs, err := loadConfigs()
	if err != nil {
		return fmt.Errorf("loading configs: %w", err)
	}

	schemaCache, err := cache.New("")
	if err != nil {
		logger.Warn("schema cache unavailable", "error", err)
		schemaCache = nil
	} else {
		schemaCache.SetLogger(logging.WithComponent(logger, "cache"))
	}

	p := pool.New(pool.Options{
		AutoDisconnect: true,
		IdleTimeout:    daemonIdleTimeout,
		Cache:          schemaCache,
		Logger:         logging.WithComponent(logger, "pool"),
	})
	defer p.Close()

	cwd, _ := os.Getwd()
	router := command.NewRouter(command.Options{
		Configs:    configs,
		Pool:       p,
		Cache:      schemaCache,
		NoCache:    rootNoCache,
		ConfigPath: rootConfigPath,
		Cwd:        cwd,
		Logger:     logging.WithComponent(logger, "router"),
	})

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", daemonPort))
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	instanceID := uuid.NewString()
	startedAt := time.Now()
	st := &state.DaemonState{
		Name:       name,
		ConfigPath: rootConfigPath,
		PID:        os.Getpid(),
		Port:       port,
		StartedAt:  startedAt,
	}
	if err := state.Save(st); err != nil {
		listener.Close()
		return fmt.Errorf("saving state: %w", err)
	}
	defer func() { _ = state.Delete(name) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"instance": instanceID,
			"uptime":   time.Since(startedAt).Round(time.Second).String(),
		})
	})
	mux.HandleFunc("/api/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
		requestID := uuid.NewString()
		reqLogger := logger.With("request", requestID, "command", req.Command)
		reqLogger.Debug("executing routed command", "args", req.Args)

		// The CLI drains its own stdin and ships the document in the
		// request; the daemon process has no stdin to read from.
		res := router.ExecuteWithStdin(r.Context(), req.Command, req.Args, strings.NewReader(req.Stdin))
		if !res.Success {
			reqLogger.Info("command failed", "error", res.Error)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Toolgate-Request", requestID)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			reqLogger.Warn("writing response failed", "error", err)
		}
	})

	if daemonWatch {
		startConfigWatcher(ctx, router, logger)
	}

	server := &http.Server{Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("daemon started",
		"name", name, "instance", instanceID, "port", port,
		"servers", len(configs), "watch", daemonWatch)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-done:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	return nil
}

// daemonLogger builds the daemon's structured logger: text to stderr in
// foreground mode, rotated JSON files otherwise.
func daemonLogger(name string) (*slog.Logger, func()) {
	level := slog.LevelInfo
	if rootDebug {
		level = slog.LevelDebug
	}

	if daemonForeground {
		logger := logging.New(logging.Config{
			Level:  level,
			Format: logging.FormatText,
			Output: os.Stderr,
			Redact: true,
		})
		return logger, func() {}
	}

	writer := logging.NewRotatingWriter(state.LogPath(name))
	logger := logging.New(logging.Config{
		Level:  level,
		Format: logging.FormatJSON,
		Output: writer,
		Redact: true,
	})
	return logger, func() { _ = writer.Close() }
}

// startConfigWatcher hot-reloads the router when the config file changes.
func startConfigWatcher(ctx context.Context, router *command.Router, logger *slog.Logger) {
	path := rootConfigPath
	if path == "" {
		cwd, _ := os.Getwd()
		path = config.FindConfigFile(cwd)
	}
	if path == "" {
		logger.Warn("watch requested but no config file found, skipping watcher")
		return
	}

	watcher := reload.NewWatcher(path, func() error {
		res := router.Execute(ctx, "reload", nil)
		if !res.Success {
			return errors.New(res.Error)
		}
		logger.Info("config reloaded", "result", res.Output)
		return nil
	})
	watcher.SetLogger(logging.WithComponent(logger, "watcher"))

	go func() {
		if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("config watcher error", "error", err)
		}
	}()
	logger.Info("watching config file", "path", path)
}

// waitForHealthy polls the daemon's health endpoint until it answers.
func waitForHealthy(name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := state.Load(name)
		if err == nil && st.Port > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			err := newDaemonClient(st).Health(ctx)
			cancel()
			if err == nil {
				return nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("health check timed out after %v", timeout)
}

func runDaemonStop() error {
	name := rootDaemonName
	st, err := state.Load(name)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("daemon %q is not running\n", name)
			return nil
		}
		return fmt.Errorf("loading state: %w", err)
	}

	if state.IsRunning(st) {
		if err := state.KillDaemon(st); err != nil {
			return err
		}
	}
	if err := state.Delete(name); err != nil {
		return err
	}
	fmt.Printf("daemon %q stopped\n", name)
	return nil
}

func runDaemonStatus() error {
	states, err := state.List()
	if err != nil {
		return fmt.Errorf("listing daemons: %w", err)
	}
	if len(states) == 0 {
		fmt.Println("no daemons found")
		return nil
	}

	for _, st := range states {
		status := "stale"
		if state.IsRunning(&st) {
			status = "running"
		}
		fmt.Printf("%s\t%s\tport %d\tpid %d\tstarted %s\n",
			st.Name, status, st.Port, st.PID, st.StartedAt.Format(time.RFC3339))
	}
	return nil
}
