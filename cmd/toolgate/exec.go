package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/toolgate/toolgate/pkg/cache"
	"github.com/toolgate/toolgate/pkg/command"
	"github.com/toolgate/toolgate/pkg/logging"
	"github.com/toolgate/toolgate/pkg/output"
	"github.com/toolgate/toolgate/pkg/pool"
	"github.com/toolgate/toolgate/pkg/sandbox"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	execEval    string
	execDir     string
	execTimeout time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec [file]",
	Short: "Run a script against the gateway in a sandboxed worker",
	Long: `Runs a JavaScript program in a forked worker process. The script talks
to tool servers only through the mcp bindings, proxied back to this
process:

  mcp.call("tools", "web")              any gateway command
  mcp.callTool("web", "search", {...})  a typed tool call

The script's final expression is its result, printed as JSON. Reads the
program from a file argument, --eval, or stdin ("-").`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExec(cmd, args)
	},
}

// execWorkerCmd is the re-invocation target for sandboxed runs. It speaks
// the framed IPC protocol on stdio and must print nothing else.
var execWorkerCmd = &cobra.Command{
	Use:    "exec-worker",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sandbox.RunWorker(os.Stdin, os.Stdout, os.Stderr)
	},
}

func init() {
	execCmd.Flags().StringVarP(&execEval, "eval", "e", "", "Program text (instead of a file)")
	execCmd.Flags().StringVar(&execDir, "dir", "", "Working directory for the script")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", sandbox.DefaultTimeout, "Hard wall-clock limit for the run")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(execWorkerCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := readExecCode(args)
	if err != nil {
		return err
	}

	logger := cliLogger()
	configs, err := loadConfigs()
	if err != nil {
		return err
	}

	schemaCache, err := cache.New("")
	if err != nil {
		logger.Warn("schema cache unavailable", "error", err)
		schemaCache = nil
	}

	// A private pool lets one script reuse connections across calls; it is
	// torn down with the run.
	p := pool.New(pool.Options{
		Cache:  schemaCache,
		Logger: logging.WithComponent(logger, "pool"),
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

	execLogger := logging.WithComponent(logger, "exec").With("session", uuid.NewString())
	executor := sandbox.NewExecutor(router, execLogger)
	res := executor.Run(cmd.Context(), code, sandbox.RunOptions{
		Dir:     execDir,
		Timeout: execTimeout,
	})

	for _, line := range res.Stderr {
		fmt.Fprintln(os.Stderr, line)
	}

	if !res.Success {
		output.New().Error(res.Error)
		exitCode := res.ExitCode
		if exitCode == 0 {
			exitCode = command.ExitFailure
		}
		os.Exit(exitCode)
	}

	if res.Value != nil {
		formatted, err := json.MarshalIndent(res.Value, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		fmt.Println(string(formatted))
	}
	return nil
}

// readExecCode resolves the program text from --eval, a file, or stdin.
func readExecCode(args []string) (string, error) {
	if execEval != "" {
		return execEval, nil
	}
	if len(args) == 0 {
		return "", fmt.Errorf("no program given: pass a file, --eval, or \"-\" for stdin")
	}
	if args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading program: %w", err)
	}
	return string(data), nil
}
