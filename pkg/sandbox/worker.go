package sandbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// RunWorker drives one exec session over the given pipes. It is the body of
// the hidden exec-worker command: read one exec frame, run the script in a
// fresh goja runtime with mcp bindings, answer with exactly one done frame.
// Console output goes to stderr, where the parent captures it.
func RunWorker(stdin io.Reader, stdout, stderr io.Writer) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)
	writer := newFrameWriter(stdout)

	if !scanner.Scan() {
		return errors.New("no exec frame received")
	}
	var execF frame
	if err := json.Unmarshal(scanner.Bytes(), &execF); err != nil {
		return fmt.Errorf("decoding exec frame: %w", err)
	}
	if execF.Type != frameExec {
		return fmt.Errorf("expected exec frame, got %q", execF.Type)
	}
	if execF.Dir != "" {
		if err := os.Chdir(execF.Dir); err != nil {
			writer.write(frame{Type: frameDone, Error: "changing directory: " + err.Error()})
			return nil
		}
	}

	bridge := &muxBridge{
		writer:  writer,
		pending: make(map[int64]chan frame),
	}
	go bridge.readResponses(scanner)

	value, runErr := runScript(execF.Code, bridge, stderr)
	done := frame{Type: frameDone}
	if runErr != nil {
		done.Error = runErr.Error()
	} else {
		done.Value = value
	}
	return writer.write(done)
}

// muxBridge issues blocking mux round-trips to the parent. The script runs
// on one goroutine, so calls are sequential, but responses are still routed
// by id for safety.
type muxBridge struct {
	writer *frameWriter

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan frame
	closed  bool
}

func (b *muxBridge) readResponses(scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		if f.Type != frameResult && f.Type != frameError {
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[f.ID]
		if ok {
			delete(b.pending, f.ID)
		}
		b.mu.Unlock()
		if ok {
			ch <- f
		}
	}

	// Parent went away; unblock every in-flight call.
	b.mu.Lock()
	b.closed = true
	for id, ch := range b.pending {
		ch <- errorFrame(id, "parent connection closed")
		delete(b.pending, id)
	}
	b.mu.Unlock()
}

// call performs one mux round-trip and returns the decoded result.
func (b *muxBridge) call(argv []string, params map[string]any) (any, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("parent connection closed")
	}
	b.nextID++
	id := b.nextID
	ch := make(chan frame, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	req := frame{Type: frameMux, ID: id, Argv: argv, Params: params}
	if err := b.writer.write(req); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, err
	}

	resp := <-ch
	if resp.Type == frameError {
		return nil, errors.New(resp.Error)
	}
	var value any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &value); err != nil {
			return nil, fmt.Errorf("decoding mux result: %w", err)
		}
	}
	return value, nil
}

// runScript transpiles and executes the code with console and mcp bindings.
func runScript(code string, bridge *muxBridge, stderr io.Writer) (json.RawMessage, error) {
	transpiled, err := transpile(code)
	if err != nil {
		return nil, err
	}

	vm := goja.New()

	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		fmt.Fprintln(stderr, strings.Join(parts, " "))
		return goja.Undefined()
	}
	console.Set("log", logFn)
	console.Set("warn", logFn)
	console.Set("error", logFn)
	vm.Set("console", console)

	mcpObj := vm.NewObject()
	// mcp.call(...argv) issues one raw router invocation.
	mcpObj.Set("call", func(call goja.FunctionCall) goja.Value {
		argv := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			argv[i] = arg.String()
		}
		value, err := bridge.call(argv, nil)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(value)
	})
	// mcp.callTool(server, tool, args) invokes one tool with typed
	// arguments.
	mcpObj.Set("callTool", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			panic(vm.NewGoError(errors.New("mcp.callTool requires serverName, toolName, [args]")))
		}
		server := call.Arguments[0].String()
		tool := call.Arguments[1].String()

		params := map[string]any{}
		if len(call.Arguments) >= 3 {
			if m, ok := call.Arguments[2].Export().(map[string]any); ok {
				params = m
			}
		}

		value, err := bridge.call([]string{"call", server, tool}, params)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(value)
	})
	vm.Set("mcp", mcpObj)

	val, err := vm.RunString(transpiled)
	if err != nil {
		var jsErr *goja.Exception
		if errors.As(err, &jsErr) {
			return nil, fmt.Errorf("script error: %s", jsErr.Value())
		}
		return nil, fmt.Errorf("runtime error: %w", err)
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	exported := val.Export()
	raw, err := json.Marshal(exported)
	if err != nil {
		raw, _ = json.Marshal(val.String())
	}
	return raw, nil
}
