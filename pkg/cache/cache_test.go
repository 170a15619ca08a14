package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolgate/toolgate/pkg/mcp"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func sampleTools() []mcp.Tool {
	return []mcp.Tool{
		{Name: "read_file", Description: "reads a file", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "write_file", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := newTestCache(t)

	if _, ok := c.Get("fs", time.Hour); ok {
		t.Fatal("expected miss on empty cache")
	}

	if err := c.Set("fs", sampleTools()); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tools, ok := c.Get("fs", time.Hour)
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if len(tools) != 2 || tools[0].Name != "read_file" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newTestCache(t)
	if err := c.Set("fs", sampleTools()); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Age the entry past the TTL by rewinding its mtime.
	path := filepath.Join(c.Dir(), "fs.json")
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if _, ok := c.Get("fs", time.Hour); ok {
		t.Error("expected miss for expired entry")
	}

	tools, expired, ok := c.GetWithExpiry("fs", time.Hour)
	if !ok || !expired {
		t.Fatalf("GetWithExpiry: ok=%v expired=%v", ok, expired)
	}
	if len(tools) != 2 {
		t.Errorf("stale tools should still be returned, got %d", len(tools))
	}
}

func TestCacheVersionGate(t *testing.T) {
	c := newTestCache(t)
	if err := c.Set("fs", sampleTools()); err != nil {
		t.Fatalf("Set: %v", err)
	}

	path := filepath.Join(c.Dir(), "fs.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var e map[string]any
	json.Unmarshal(data, &e)
	e["version"] = cacheVersion + 1
	out, _ := json.Marshal(e)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, ok := c.GetWithExpiry("fs", time.Hour); ok {
		t.Error("entry with wrong version should be a miss")
	}
}

func TestCacheCorruptEntryIsMiss(t *testing.T) {
	c := newTestCache(t)
	path := filepath.Join(c.Dir(), "fs.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, ok := c.Get("fs", time.Hour); ok {
		t.Error("corrupt entry should be a miss")
	}
}

func TestCacheClear(t *testing.T) {
	c := newTestCache(t)
	c.Set("a", sampleTools())
	c.Set("b", sampleTools())

	if err := c.Clear("a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := c.Get("a", time.Hour); ok {
		t.Error("cleared entry should be a miss")
	}
	if _, ok := c.Get("b", time.Hour); !ok {
		t.Error("other entry should survive Clear")
	}

	// Clearing a missing entry is fine.
	if err := c.Clear("a"); err != nil {
		t.Errorf("Clear on missing entry: %v", err)
	}

	if err := c.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if _, ok := c.Get("b", time.Hour); ok {
		t.Error("ClearAll should remove every entry")
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"filesystem", "filesystem"},
		{"my server/v2", "my_server_v2"},
		{"a:b?c", "a_b_c"},
		{"", "_"},
		{"..", "_"},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
