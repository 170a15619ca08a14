package command

import "github.com/toolgate/toolgate/pkg/mcp"

// Exit codes surfaced through Result.ExitCode.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitTimeout is the conventional timed-out exit code, used by exec.
	ExitTimeout = 124
)

// Result is the uniform outcome of one router command. Front ends apply
// their own formatting; the router only fills Output with plain text.
type Result struct {
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
	Meta     *Meta  `json:"meta,omitempty"`
}

// Meta carries machine-readable extras alongside a Result.
type Meta struct {
	// FromCache marks read results answered from the schema cache.
	FromCache bool `json:"from_cache,omitempty"`
	// CachedServers lists servers whose tool lists came from cache in a
	// multi-server listing.
	CachedServers []string `json:"cached_servers,omitempty"`
	// RawResult is the unprocessed tool-call payload for callers that apply
	// their own formatting or auto-save policy.
	RawResult *mcp.ToolCallResult `json:"raw_result,omitempty"`
	// ReconnectRequired marks a setConfig change that only takes effect
	// after a reconnect.
	ReconnectRequired bool `json:"reconnect_required,omitempty"`
}

func success(output string, meta *Meta) Result {
	return Result{Success: true, Output: output, ExitCode: ExitOK, Meta: meta}
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error(), ExitCode: ExitFailure}
}
