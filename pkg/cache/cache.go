// Package cache persists per-server tool lists on disk so read commands can
// answer without a live connection. Entries age out by file mtime; every
// read, parse, or write failure degrades to a cache miss.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/toolgate/toolgate/pkg/logging"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// cacheVersion gates entries across format changes. Entries written by a
// different version are treated as misses.
const cacheVersion = 1

// entry is the on-disk cache format, one JSON file per server.
type entry struct {
	Server    string     `json:"server"`
	Tools     []mcp.Tool `json:"tools"`
	Timestamp time.Time  `json:"timestamp"`
	Version   int        `json:"version"`
}

// Cache is a file-backed tool-list cache.
type Cache struct {
	dir    string
	logger *slog.Logger
}

// New creates a cache rooted at dir. An empty dir defaults to
// os.UserCacheDir()/toolgate/schemas.
func New(dir string) (*Cache, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user cache dir: %w", err)
		}
		dir = filepath.Join(base, "toolgate", "schemas")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &Cache{dir: dir, logger: logging.NewDiscardLogger()}, nil
}

// SetLogger sets the logger for cache diagnostics.
func (c *Cache) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Get returns the cached tools for server if the entry is fresher than ttl.
func (c *Cache) Get(server string, ttl time.Duration) ([]mcp.Tool, bool) {
	tools, expired, ok := c.GetWithExpiry(server, ttl)
	if !ok || expired {
		return nil, false
	}
	return tools, true
}

// GetWithExpiry returns the cached tools for server along with whether the
// entry has outlived ttl. Callers that can revalidate use expired entries as
// stale data while a refresh runs.
func (c *Cache) GetWithExpiry(server string, ttl time.Duration) (tools []mcp.Tool, expired bool, ok bool) {
	path := c.path(server)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Debug("cache read failed", "server", server, "error", err)
		return nil, false, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Debug("cache entry corrupt", "server", server, "error", err)
		return nil, false, false
	}
	if e.Version != cacheVersion {
		c.logger.Debug("cache entry version mismatch",
			"server", server, "got", e.Version, "want", cacheVersion)
		return nil, false, false
	}

	age := time.Since(info.ModTime())
	return e.Tools, age > ttl, true
}

// Set writes the tools for server, replacing any existing entry.
func (c *Cache) Set(server string, tools []mcp.Tool) error {
	e := entry{
		Server:    server,
		Tools:     tools,
		Timestamp: time.Now().UTC(),
		Version:   cacheVersion,
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}

	path := c.path(server)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing cache entry: %w", err)
	}
	return nil
}

// Clear removes the entry for server, if any.
func (c *Cache) Clear(server string) error {
	err := os.Remove(c.path(server))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing cache for %s: %w", server, err)
	}
	return nil
}

// ClearAll removes every cache entry.
func (c *Cache) ClearAll() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("listing cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (c *Cache) path(server string) string {
	return filepath.Join(c.dir, sanitizeName(server)+".json")
}

// sanitizeName maps a server name onto a safe filename. Anything outside
// [a-zA-Z0-9._-] becomes an underscore.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	// "." and ".." would escape the cache dir once joined.
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
