package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/toolgate/toolgate/pkg/command"
	"github.com/toolgate/toolgate/pkg/state"
)

// executeRequest is the wire form of one routed command. Stdin carries the
// raw argument document for call's "-" form; the daemon has no stdin of its
// own to read it from.
type executeRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Stdin   string   `json:"stdin,omitempty"`
}

// daemonClient talks to a running daemon's local HTTP API.
type daemonClient struct {
	base string
	http *http.Client
}

func newDaemonClient(st *state.DaemonState) *daemonClient {
	return &daemonClient{
		base: fmt.Sprintf("http://127.0.0.1:%d", st.Port),
		// Tool calls can legitimately take a while; the per-request config
		// timeout fires server-side first.
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Execute runs one router command on the daemon and returns its Result.
func (c *daemonClient) Execute(ctx context.Context, name string, args []string, stdin string) (command.Result, error) {
	body, err := json.Marshal(executeRequest{Command: name, Args: args, Stdin: stdin})
	if err != nil {
		return command.Result{}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/execute", bytes.NewReader(body))
	if err != nil {
		return command.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return command.Result{}, fmt.Errorf("calling daemon: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return command.Result{}, fmt.Errorf("reading daemon response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return command.Result{}, fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	var res command.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return command.Result{}, fmt.Errorf("parsing daemon response: %w", err)
	}
	return res, nil
}

// Health checks the daemon's liveness endpoint.
func (c *daemonClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon health returned %s", resp.Status)
	}
	return nil
}
