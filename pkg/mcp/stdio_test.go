package mcp

import (
	"context"
	"testing"

	"github.com/toolgate/toolgate/pkg/config"
)

func TestStdioConnStartMissingCommand(t *testing.T) {
	cfg := &config.ServerConfig{Command: "toolgate-test-no-such-binary"}
	conn := newStdioConn("missing", cfg, nil)
	if err := conn.start(context.Background()); err == nil {
		t.Fatal("expected error starting nonexistent command")
	}
}

func TestStdioConnSendAfterClose(t *testing.T) {
	cfg := &config.ServerConfig{Command: "cat"}
	conn := newStdioConn("cat", cfg, nil)
	if err := conn.start(context.Background()); err != nil {
		t.Skipf("cat unavailable: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := conn.notify(context.Background(), "notifications/initialized", nil); err == nil {
		t.Error("expected error writing to closed connection")
	}

	// Close again is a no-op.
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStdioConnStderrBuffering(t *testing.T) {
	cfg := &config.ServerConfig{Command: "sh", Args: []string{"-c", "echo warn1 >&2; echo warn2 >&2; cat"}}
	conn := newStdioConn("noisy", cfg, nil)
	if err := conn.start(context.Background()); err != nil {
		t.Skipf("sh unavailable: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return len(conn.Stderr()) == 2 })

	lines := conn.Stderr()
	if lines[0] != "warn1" || lines[1] != "warn2" {
		t.Errorf("stderr = %v", lines)
	}

	conn.ClearStderr()
	if conn.Stderr() != nil {
		t.Error("expected empty stderr after clear")
	}
}
