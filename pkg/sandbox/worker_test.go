package sandbox

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

// runWorkerRoundTrip drives RunWorker through in-memory pipes, answering mux
// frames with the given responder.
func runWorkerRoundTrip(t *testing.T, code string, respond func(f frame) frame) (done frame, stderr string) {
	t.Helper()

	parentToWorker, workerStdin := io.Pipe()
	workerStdout, workerToParent := io.Pipe()
	var stderrBuf strings.Builder

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- RunWorker(parentToWorker, workerToParent, &stderrBuf)
		workerToParent.Close()
	}()

	writer := newFrameWriter(workerStdin)
	if err := writer.write(frame{Type: frameExec, Code: code}); err != nil {
		t.Fatalf("writing exec frame: %v", err)
	}

	scanner := bufio.NewScanner(workerStdout)
	scanner.Buffer(make([]byte, scannerBufferSize), scannerBufferSize)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			t.Fatalf("decoding worker frame: %v", err)
		}
		switch f.Type {
		case frameMux:
			if respond == nil {
				t.Fatal("unexpected mux frame")
			}
			if err := writer.write(respond(f)); err != nil {
				t.Fatalf("writing mux response: %v", err)
			}
		case frameDone:
			workerStdin.Close()
			select {
			case err := <-workerErr:
				if err != nil {
					t.Fatalf("RunWorker: %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("worker did not return after done")
			}
			return f, stderrBuf.String()
		default:
			t.Fatalf("unexpected frame type %q", f.Type)
		}
	}
	t.Fatal("worker stream ended without a done frame")
	return frame{}, ""
}

func TestWorkerReturnsValue(t *testing.T) {
	done, _ := runWorkerRoundTrip(t, "const x = 40; x + 2", nil)
	if done.Error != "" {
		t.Fatalf("done.Error = %q", done.Error)
	}
	var v any
	json.Unmarshal(done.Value, &v)
	if v != float64(42) {
		t.Errorf("value = %v", v)
	}
}

func TestWorkerMuxRoundTrip(t *testing.T) {
	var gotMux frame
	done, _ := runWorkerRoundTrip(t,
		`const tools = mcp.call("tools", "web"); tools`,
		func(f frame) frame {
			gotMux = f
			reply, err := resultFrame(f.ID, "search\tfull text search")
			if err != nil {
				t.Fatalf("resultFrame: %v", err)
			}
			return reply
		})

	if done.Error != "" {
		t.Fatalf("done.Error = %q", done.Error)
	}
	if len(gotMux.Argv) != 2 || gotMux.Argv[0] != "tools" || gotMux.Argv[1] != "web" {
		t.Errorf("mux argv = %v", gotMux.Argv)
	}
	var v any
	json.Unmarshal(done.Value, &v)
	if v != "search\tfull text search" {
		t.Errorf("value = %v", v)
	}
}

func TestWorkerCallToolSendsTypedParams(t *testing.T) {
	var gotMux frame
	done, _ := runWorkerRoundTrip(t,
		`mcp.callTool("web", "search", {query: "golang", count: 3})`,
		func(f frame) frame {
			gotMux = f
			reply, _ := resultFrame(f.ID, map[string]any{"hits": 10})
			return reply
		})

	if done.Error != "" {
		t.Fatalf("done.Error = %q", done.Error)
	}
	wantArgv := []string{"call", "web", "search"}
	for i, a := range wantArgv {
		if gotMux.Argv[i] != a {
			t.Fatalf("argv = %v, want %v", gotMux.Argv, wantArgv)
		}
	}
	if gotMux.Params["query"] != "golang" || gotMux.Params["count"] != float64(3) {
		t.Errorf("params = %v", gotMux.Params)
	}
}

func TestWorkerMuxErrorRejectsCallNotScript(t *testing.T) {
	done, _ := runWorkerRoundTrip(t,
		`let msg = "survived";
		try {
			mcp.call("call", "web", "missing");
		} catch (e) {
			msg = "caught: " + e.message;
		}
		msg`,
		func(f frame) frame {
			return errorFrame(f.ID, "tool not found")
		})

	if done.Error != "" {
		t.Fatalf("done.Error = %q", done.Error)
	}
	var v string
	json.Unmarshal(done.Value, &v)
	if !strings.Contains(v, "caught") || !strings.Contains(v, "tool not found") {
		t.Errorf("value = %q", v)
	}
}

func TestWorkerScriptError(t *testing.T) {
	done, _ := runWorkerRoundTrip(t, `throw new Error("boom")`, nil)
	if done.Error == "" || !strings.Contains(done.Error, "boom") {
		t.Errorf("done.Error = %q", done.Error)
	}
	if len(done.Value) != 0 {
		t.Errorf("value should be absent on error, got %s", done.Value)
	}
}

func TestWorkerConsoleGoesToStderr(t *testing.T) {
	_, stderr := runWorkerRoundTrip(t, `console.log("hello", 42); 1`, nil)
	if !strings.Contains(stderr, "hello 42") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestWorkerModernSyntax(t *testing.T) {
	done, _ := runWorkerRoundTrip(t,
		"const items = [1, 2, 3]; const doubled = items.map(x => x * 2); `sum:${doubled.reduce((a, b) => a + b, 0)}`",
		nil)
	if done.Error != "" {
		t.Fatalf("done.Error = %q", done.Error)
	}
	var v string
	json.Unmarshal(done.Value, &v)
	if v != "sum:12" {
		t.Errorf("value = %q", v)
	}
}

func TestTranspileSyntaxError(t *testing.T) {
	if _, err := transpile("const = ;"); err == nil {
		t.Fatal("expected syntax error")
	}
}
