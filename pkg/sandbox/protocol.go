// Package sandbox runs agent-supplied JavaScript in an isolated worker
// process. The worker holds no connections; every tool invocation is proxied
// back to the parent over newline-framed JSON on the worker's stdin/stdout.
package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Frame types. The parent sends exactly one exec frame; the worker sends any
// number of mux frames and exactly one done frame; the parent answers each
// mux frame with a result or error frame carrying the same id.
const (
	frameExec   = "exec"
	frameMux    = "mux"
	frameResult = "result"
	frameError  = "error"
	frameDone   = "done"
)

// muxCall is one router invocation inside a batched mux frame.
type muxCall struct {
	Argv   []string       `json:"argv"`
	Params map[string]any `json:"params,omitempty"`
}

// frame is the single wire shape for all IPC messages. Unused fields are
// omitted per type.
type frame struct {
	Type string `json:"type"`

	// exec, parent to worker.
	Code string `json:"code,omitempty"`
	Dir  string `json:"dir,omitempty"`

	// mux, worker to parent.
	ID     int64          `json:"id,omitempty"`
	Argv   []string       `json:"argv,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Batch  []muxCall      `json:"batch,omitempty"`

	// result and error, parent to worker.
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// done, worker to parent. Value is absent when the script failed.
	Value json.RawMessage `json:"value,omitempty"`
}

// frameWriter serializes newline-delimited frames onto one writer. Mux
// responses are written from per-request goroutines, so writes take a lock.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

func (fw *frameWriter) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling %s frame: %w", f.Type, err)
	}
	data = append(data, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

func resultFrame(id int64, value any) (frame, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return frame{}, fmt.Errorf("marshaling mux result: %w", err)
	}
	return frame{Type: frameResult, ID: id, Result: raw}, nil
}

func errorFrame(id int64, message string) frame {
	return frame{Type: frameError, ID: id, Error: message}
}
