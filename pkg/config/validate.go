package config

import "fmt"

// ValidateServer checks that a server config names exactly one transport
// variant and that the variant is complete.
func ValidateServer(name string, c *ServerConfig) error {
	if name == "" {
		return fmt.Errorf("server name must not be empty")
	}
	if c == nil {
		return fmt.Errorf("server %q: config must not be nil", name)
	}

	if c.Command != "" && c.URL != "" {
		return fmt.Errorf("server %q: command and url are mutually exclusive", name)
	}

	switch c.ResolveTransport() {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %q: stdio transport requires a command", name)
		}
	case TransportHTTP, TransportWebSocket:
		if c.URL == "" {
			return fmt.Errorf("server %q: %s transport requires a url", name, c.ResolveTransport())
		}
	default:
		return fmt.Errorf("server %q: no transport configured (set command or url)", name)
	}

	if c.CacheTTLMinutes < 0 {
		return fmt.Errorf("server %q: cacheTTL must not be negative", name)
	}
	if c.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("server %q: requestTimeout must not be negative", name)
	}

	return nil
}
