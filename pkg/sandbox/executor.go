package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolgate/toolgate/pkg/command"
	"github.com/toolgate/toolgate/pkg/logging"
	"github.com/toolgate/toolgate/pkg/mcp"
)

const (
	// DefaultTimeout is the hard wall-clock budget for one exec run.
	DefaultTimeout = 30 * time.Second
	// MaxCodeSize caps the script input.
	MaxCodeSize = 64 * 1024
	// scannerBufferSize sizes the IPC read buffer; mux results can be large.
	scannerBufferSize = 1024 * 1024
	// maxStderrLines caps the worker stderr capture.
	maxStderrLines = 500
)

// Result is the outcome of one exec run.
type Result struct {
	Success bool
	// Value is the script's return value, JSON-decoded.
	Value any
	Error string
	// ExitCode is 0 on success, 124 on timeout, 1 otherwise.
	ExitCode int
	// Stderr holds the worker's captured stderr lines, including console
	// output from the script.
	Stderr []string
}

// RunOptions configures one exec run.
type RunOptions struct {
	// Dir is the working directory the script runs in. Empty means the
	// parent's cwd.
	Dir string
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// Executor spawns one worker process per run and serves its mux requests
// through the command router. The parent alone holds live connections.
type Executor struct {
	router *command.Router
	logger *slog.Logger

	// spawnWorker is swappable in tests.
	spawnWorker func() (*exec.Cmd, error)
}

// NewExecutor creates an executor bridging workers to the given router.
func NewExecutor(router *command.Router, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Executor{
		router:      router,
		logger:      logger,
		spawnWorker: selfWorkerCommand,
	}
}

// selfWorkerCommand re-invokes the running binary with the hidden
// exec-worker command.
func selfWorkerCommand() (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable: %w", err)
	}
	return exec.Command(self, "exec-worker"), nil
}

// Run executes one script in a fresh worker. Exactly one of done, unexpected
// exit, spawn error, or timeout resolves the call; mux frames arriving after
// resolution are ignored because the worker is being torn down.
func (e *Executor) Run(ctx context.Context, code string, opts RunOptions) Result {
	if len(code) > MaxCodeSize {
		return Result{
			Error:    fmt.Sprintf("code too large: %d bytes (maximum is %d)", len(code), MaxCodeSize),
			ExitCode: command.ExitFailure,
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd, err := e.spawnWorker()
	if err != nil {
		return Result{Error: "spawning worker: " + err.Error(), ExitCode: command.ExitFailure}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{Error: "creating worker stdin: " + err.Error(), ExitCode: command.ExitFailure}
	}
	// io.Pipe writers instead of StdoutPipe: Wait then flushes all worker
	// output before returning, so the frame reader never races the reaper.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return Result{Error: "starting worker: " + err.Error(), ExitCode: command.ExitFailure}
	}
	e.logger.Debug("worker started", "pid", cmd.Process.Pid)

	var (
		resolved  atomic.Bool
		stderrBuf = newLineBuffer(maxStderrLines)
		doneCh    = make(chan frame, 1)
		exitCh    = make(chan error, 1)
		writer    = newFrameWriter(stdin)
	)

	go captureLines(stderrR, stderrBuf)
	go e.readFrames(ctx, stdoutR, writer, &resolved, doneCh)
	go func() {
		err := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		exitCh <- err
	}()

	if err := writer.write(frame{Type: frameExec, Code: code, Dir: opts.Dir}); err != nil {
		resolved.Store(true)
		cmd.Process.Kill()
		<-exitCh
		return Result{Error: "sending code to worker: " + err.Error(), ExitCode: command.ExitFailure, Stderr: stderrBuf.lines()}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case done := <-doneCh:
		resolved.Store(true)
		stdin.Close()
		e.reapWorker(cmd, exitCh)
		return e.doneResult(done, stderrBuf.lines())

	case err := <-exitCh:
		// A done frame racing the exit still counts as completion; give the
		// frame reader a moment to finish the last line.
		select {
		case done := <-doneCh:
			resolved.Store(true)
			return e.doneResult(done, stderrBuf.lines())
		case <-time.After(100 * time.Millisecond):
		}
		resolved.Store(true)
		msg := "worker exited before completing"
		if err != nil {
			msg = fmt.Sprintf("worker exited before completing: %v", err)
		}
		return Result{Error: msg, ExitCode: workerExitCode(err), Stderr: stderrBuf.lines()}

	case <-timer.C:
		resolved.Store(true)
		cmd.Process.Kill()
		<-exitCh
		return Result{
			Error:    fmt.Sprintf("execution timed out after %s", timeout),
			ExitCode: command.ExitTimeout,
			Stderr:   stderrBuf.lines(),
		}

	case <-ctx.Done():
		resolved.Store(true)
		cmd.Process.Kill()
		<-exitCh
		return Result{Error: ctx.Err().Error(), ExitCode: command.ExitFailure, Stderr: stderrBuf.lines()}
	}
}

// readFrames serves mux requests until the pipe closes. Each request runs in
// its own goroutine so one slow tool call does not block the next.
func (e *Executor) readFrames(ctx context.Context, r io.Reader, w *frameWriter, resolved *atomic.Bool, doneCh chan<- frame) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			e.logger.Debug("ignoring malformed worker frame", "error", err)
			continue
		}

		switch f.Type {
		case frameMux:
			if resolved.Load() {
				e.logger.Debug("ignoring late mux frame", "id", f.ID)
				continue
			}
			go e.serveMux(ctx, w, f)
		case frameDone:
			select {
			case doneCh <- f:
			default:
			}
		default:
			e.logger.Debug("ignoring unexpected worker frame", "type", f.Type)
		}
	}
}

// serveMux runs one router invocation for the worker and writes the reply. A
// failed call is handed back as an error frame; it never aborts the script.
func (e *Executor) serveMux(ctx context.Context, w *frameWriter, f frame) {
	if len(f.Batch) > 0 {
		values := make([]any, len(f.Batch))
		for i, call := range f.Batch {
			v, err := e.runMux(ctx, call.Argv, call.Params)
			if err != nil {
				values[i] = map[string]any{"error": err.Error()}
				continue
			}
			values[i] = v
		}
		reply, err := resultFrame(f.ID, values)
		if err != nil {
			reply = errorFrame(f.ID, err.Error())
		}
		w.write(reply)
		return
	}

	v, err := e.runMux(ctx, f.Argv, f.Params)
	if err != nil {
		w.write(errorFrame(f.ID, err.Error()))
		return
	}
	reply, err := resultFrame(f.ID, v)
	if err != nil {
		reply = errorFrame(f.ID, err.Error())
	}
	w.write(reply)
}

// runMux maps one mux request onto the router. Raw tool-call payloads are
// unwrapped so the script sees plain values.
func (e *Executor) runMux(ctx context.Context, argv []string, params map[string]any) (any, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty mux request")
	}

	var res command.Result
	if argv[0] == "call" && params != nil {
		if len(argv) < 3 {
			return nil, errors.New("call requires server and tool")
		}
		res = e.router.ExecuteCall(ctx, argv[1], argv[2], params)
	} else {
		res = e.router.Execute(ctx, argv[0], argv[1:])
	}

	if !res.Success {
		return nil, errors.New(res.Error)
	}
	if res.Meta != nil && res.Meta.RawResult != nil {
		return mcp.UnwrapResult(res.Meta.RawResult), nil
	}
	return res.Output, nil
}

func (e *Executor) doneResult(done frame, stderr []string) Result {
	if done.Error != "" {
		return Result{Error: done.Error, ExitCode: command.ExitFailure, Stderr: stderr}
	}
	var value any
	if len(done.Value) > 0 {
		if err := json.Unmarshal(done.Value, &value); err != nil {
			return Result{Error: "decoding script value: " + err.Error(), ExitCode: command.ExitFailure, Stderr: stderr}
		}
	}
	return Result{Success: true, Value: value, ExitCode: command.ExitOK, Stderr: stderr}
}

// reapWorker waits briefly for a clean exit after done, then kills.
func (e *Executor) reapWorker(cmd *exec.Cmd, exitCh <-chan error) {
	select {
	case <-exitCh:
	case <-time.After(2 * time.Second):
		e.logger.Debug("worker did not exit after done, killing", "pid", cmd.Process.Pid)
		cmd.Process.Kill()
		<-exitCh
	}
}

func workerExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return command.ExitFailure
}

// lineBuffer is a capped line capture for worker stderr.
type lineBuffer struct {
	mu  sync.Mutex
	buf []string
	max int
}

func newLineBuffer(max int) *lineBuffer {
	return &lineBuffer{max: max}
}

func (b *lineBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, line)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
}

func (b *lineBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return nil
	}
	out := make([]string, len(b.buf))
	copy(out, b.buf)
	return out
}

func captureLines(r io.Reader, buf *lineBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)
	for scanner.Scan() {
		buf.append(scanner.Text())
	}
}
