package command

import "fmt"

// ConfigError reports an unresolved entity: an unknown server, an unknown
// tool, or an argument that does not match the tool's declared schema. It is
// user-facing and not retryable.
type ConfigError struct {
	Entity  string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Entity == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Entity, e.Message)
}

// TransportError wraps a connect or call failure from the underlying
// transport client.
type TransportError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PoolError reports a pool-only command invoked without a pool. It is
// user-facing and not retryable.
type PoolError struct {
	Command string
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("%s requires a running daemon (daemon mode only)", e.Command)
}
