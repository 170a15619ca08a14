// Package config defines MCP server configurations and their discovery.
package config

import (
	"strings"
	"time"
)

// Transport identifies how an MCP server is reached.
type Transport string

const (
	TransportStdio     Transport = "stdio"
	TransportHTTP      Transport = "http"
	TransportWebSocket Transport = "websocket"
)

// DefaultCacheTTL is the schema cache freshness window when a server does not
// override it.
const DefaultCacheTTL = 60 * time.Minute

// DefaultRequestTimeout is the per-request timeout forwarded to the transport
// client when a server does not override it.
const DefaultRequestTimeout = 30 * time.Second

// ServerConfig describes one MCP server. Exactly one transport variant is
// populated: Command (stdio) or URL (http/websocket).
type ServerConfig struct {
	Transport Transport `yaml:"transport,omitempty" json:"transport,omitempty"`

	// Stdio variant: a child process speaking JSON-RPC on stdin/stdout.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// ExtraArgs are appended after Args. They may be mutated at runtime via
	// setConfig; a reconnect is required for the change to take effect.
	ExtraArgs []string `yaml:"extraArgs,omitempty" json:"extraArgs,omitempty"`

	// Network variant (http or websocket).
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Enabled defaults to true; disabled servers are dropped at load time.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// CacheTTLMinutes overrides the schema cache freshness window.
	CacheTTLMinutes int `yaml:"cacheTTL,omitempty" json:"cacheTTL,omitempty"`

	// RequestTimeoutSeconds overrides the per-request transport timeout.
	RequestTimeoutSeconds int `yaml:"requestTimeout,omitempty" json:"requestTimeout,omitempty"`
}

// IsStdio returns true for the child-process variant.
func (c *ServerConfig) IsStdio() bool {
	return c.ResolveTransport() == TransportStdio
}

// IsHTTP returns true for the HTTP variant.
func (c *ServerConfig) IsHTTP() bool {
	return c.ResolveTransport() == TransportHTTP
}

// IsWebSocket returns true for the WebSocket variant.
func (c *ServerConfig) IsWebSocket() bool {
	return c.ResolveTransport() == TransportWebSocket
}

// IsEnabled returns false only when the server is explicitly disabled.
func (c *ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ResolveTransport returns the effective transport, inferring it from the
// populated variant when the tag is absent: a command means stdio, a ws:// or
// wss:// URL means websocket, any other URL means http.
func (c *ServerConfig) ResolveTransport() Transport {
	if c.Transport != "" {
		return c.Transport
	}
	if c.Command != "" {
		return TransportStdio
	}
	if strings.HasPrefix(c.URL, "ws://") || strings.HasPrefix(c.URL, "wss://") {
		return TransportWebSocket
	}
	if c.URL != "" {
		return TransportHTTP
	}
	return ""
}

// FullArgs returns Args followed by ExtraArgs.
func (c *ServerConfig) FullArgs() []string {
	if len(c.ExtraArgs) == 0 {
		return c.Args
	}
	args := make([]string, 0, len(c.Args)+len(c.ExtraArgs))
	args = append(args, c.Args...)
	args = append(args, c.ExtraArgs...)
	return args
}

// ResolveCacheTTL is the single place the cache freshness window is derived
// from a config. Every call site goes through here so the default cannot
// drift between commands.
func ResolveCacheTTL(c *ServerConfig) time.Duration {
	if c != nil && c.CacheTTLMinutes > 0 {
		return time.Duration(c.CacheTTLMinutes) * time.Minute
	}
	return DefaultCacheTTL
}

// ResolveRequestTimeout derives the per-request timeout from a config.
func ResolveRequestTimeout(c *ServerConfig) time.Duration {
	if c != nil && c.RequestTimeoutSeconds > 0 {
		return time.Duration(c.RequestTimeoutSeconds) * time.Second
	}
	return DefaultRequestTimeout
}
