// Package pool owns live MCP connections keyed by server name and optional
// instance id. It provides get-or-create with de-duplication of concurrent
// connects, idle eviction, and schema cache refresh on new connections.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/toolgate/toolgate/pkg/cache"
	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/logging"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// Status describes the lifecycle state of a pooled connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

const (
	// DefaultIdleTimeout is how long a connection may sit unused before the
	// sweep disconnects it (when AutoDisconnect is on).
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = 60 * time.Second
	// refreshTimeout bounds the background cache refresh after a connect.
	refreshTimeout = 60 * time.Second
)

// ConnectionInfo is the pool's record of one live connection. IDs are
// monotonic across the pool; a reconnect always produces a new id.
type ConnectionInfo struct {
	ID          int64
	Server      string
	ConnID      string
	Conn        mcp.Connection
	Status      Status
	ConnectedAt time.Time
	LastUsed    time.Time
	ClosedAt    time.Time

	cfg *config.ServerConfig
}

// Key returns the pool key: `server` or `server[connID]`.
func (i *ConnectionInfo) Key() string { return Key(i.Server, i.ConnID) }

// Key builds a pool key from a server name and optional instance id.
func Key(server, connID string) string {
	if connID == "" {
		return server
	}
	return server + "[" + connID + "]"
}

// connectResult is the in-flight placeholder for one connect attempt. It is
// inserted under the pool mutex before dialing so concurrent callers for the
// same key wait on it instead of dialing again.
type connectResult struct {
	done chan struct{}
	info *ConnectionInfo
	err  error
}

// Options configures a Pool.
type Options struct {
	// AutoDisconnect enables the periodic idle sweep. Off by default;
	// long-lived integrations usually want connections to survive the
	// process lifetime.
	AutoDisconnect bool
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	// Cache, when set, is refreshed with the server's tool list after every
	// new connection.
	Cache  *cache.Cache
	Logger *slog.Logger
	// Dialer overrides how connections are established. Defaults to
	// mcp.Connect; tests inject fakes here.
	Dialer func(ctx context.Context, server string, cfg *config.ServerConfig, logger *slog.Logger) (mcp.Connection, error)
}

// Pool manages live connections. All maps are guarded by a single mutex; the
// get-or-create path is atomic with respect to concurrent callers of the same
// key via the in-flight placeholder.
type Pool struct {
	mu          sync.Mutex
	conns       map[string]*ConnectionInfo
	inflight    map[string]*connectResult
	refreshing  map[string]bool
	instanceSeq map[string]int
	nextID      int64

	cache  *cache.Cache
	logger *slog.Logger

	// dial is swappable in tests.
	dial func(ctx context.Context, server string, cfg *config.ServerConfig, logger *slog.Logger) (mcp.Connection, error)

	autoDisconnect bool
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	stopSweep      chan struct{}
	sweepDone      chan struct{}
}

// New creates a pool. The idle sweep starts immediately when AutoDisconnect
// is set.
func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}

	p := &Pool{
		conns:          make(map[string]*ConnectionInfo),
		inflight:       make(map[string]*connectResult),
		refreshing:     make(map[string]bool),
		instanceSeq:    make(map[string]int),
		cache:          opts.Cache,
		logger:         logger,
		dial:           mcp.Connect,
		autoDisconnect: opts.AutoDisconnect,
		idleTimeout:    idle,
		sweepInterval:  sweep,
	}
	if opts.Dialer != nil {
		p.dial = opts.Dialer
	}
	if p.autoDisconnect {
		p.stopSweep = make(chan struct{})
		p.sweepDone = make(chan struct{})
		go p.sweepLoop()
	}
	return p
}

// GetConnection returns the live connection for (server, connID), creating it
// if needed. Concurrent calls for the same key share one connect attempt and
// receive the same ConnectionInfo or the same error.
func (p *Pool) GetConnection(ctx context.Context, server string, cfg *config.ServerConfig, connID string) (*ConnectionInfo, error) {
	key := Key(server, connID)

	p.mu.Lock()
	if info, ok := p.conns[key]; ok {
		info.LastUsed = time.Now()
		p.mu.Unlock()
		return info, nil
	}
	if fl, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		select {
		case <-fl.done:
			if fl.err != nil {
				return nil, fl.err
			}
			// Adopting a shared connect still counts as use, or the idle
			// sweeper would see waiter-only connections as untouched.
			p.mu.Lock()
			fl.info.LastUsed = time.Now()
			p.mu.Unlock()
			return fl.info, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fl := &connectResult{done: make(chan struct{})}
	p.inflight[key] = fl
	p.mu.Unlock()

	conn, err := p.dial(ctx, server, cfg, p.logger)

	p.mu.Lock()
	delete(p.inflight, key)
	if err != nil {
		fl.err = fmt.Errorf("connecting to %s: %w", key, err)
		close(fl.done)
		p.mu.Unlock()
		return nil, fl.err
	}

	p.nextID++
	now := time.Now()
	info := &ConnectionInfo{
		ID:          p.nextID,
		Server:      server,
		ConnID:      connID,
		Conn:        conn,
		Status:      StatusConnected,
		ConnectedAt: now,
		LastUsed:    now,
		cfg:         cfg,
	}
	p.conns[key] = info
	fl.info = info
	close(fl.done)
	p.mu.Unlock()

	p.logger.Debug("connection established", "key", key, "id", info.ID)
	go p.refreshCache(server, conn)
	return info, nil
}

// GetConnectionWithNewID always creates a new instance of server with an
// auto-incrementing per-server id.
func (p *Pool) GetConnectionWithNewID(ctx context.Context, server string, cfg *config.ServerConfig) (*ConnectionInfo, error) {
	p.mu.Lock()
	p.instanceSeq[server]++
	connID := strconv.Itoa(p.instanceSeq[server])
	p.mu.Unlock()
	return p.GetConnection(ctx, server, cfg, connID)
}

// Disconnect closes the connection for (server, connID) and removes it from
// the pool. It returns the closed record, or nil if no such connection
// existed.
func (p *Pool) Disconnect(server, connID string) *ConnectionInfo {
	key := Key(server, connID)

	p.mu.Lock()
	info, ok := p.conns[key]
	if ok {
		delete(p.conns, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	p.closeInfo(info)
	return info
}

// DisconnectByID closes the connection with the given pool id.
func (p *Pool) DisconnectByID(id int64) *ConnectionInfo {
	p.mu.Lock()
	var info *ConnectionInfo
	for key, candidate := range p.conns {
		if candidate.ID == id {
			info = candidate
			delete(p.conns, key)
			break
		}
	}
	p.mu.Unlock()
	if info == nil {
		return nil
	}

	p.closeInfo(info)
	return info
}

// DisconnectAll closes every connection and returns the closed records.
func (p *Pool) DisconnectAll() []*ConnectionInfo {
	p.mu.Lock()
	infos := make([]*ConnectionInfo, 0, len(p.conns))
	for key, info := range p.conns {
		infos = append(infos, info)
		delete(p.conns, key)
	}
	p.mu.Unlock()

	for _, info := range infos {
		p.closeInfo(info)
	}
	return infos
}

// Reconnect closes the existing connection for (server, connID) and dials a
// new one. When cfg is nil, the config captured at original connect time is
// reused. This is the sanctioned way to apply changed extraArgs or env to a
// running stdio server.
func (p *Pool) Reconnect(ctx context.Context, server string, cfg *config.ServerConfig, connID string) (*ConnectionInfo, error) {
	old := p.Disconnect(server, connID)
	if cfg == nil {
		if old == nil {
			return nil, fmt.Errorf("no connection or config for %s", Key(server, connID))
		}
		cfg = old.cfg
	}
	return p.GetConnection(ctx, server, cfg, connID)
}

// ListConnections returns the live connection records ordered by id.
func (p *Pool) ListConnections() []*ConnectionInfo {
	p.mu.Lock()
	infos := make([]*ConnectionInfo, 0, len(p.conns))
	for _, info := range p.conns {
		infos = append(infos, info)
	}
	p.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// GetRawConnection returns the underlying connection for (server, connID), or
// nil. The lookup counts as use for idle-eviction purposes.
func (p *Pool) GetRawConnection(server, connID string) mcp.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.conns[Key(server, connID)]
	if !ok {
		return nil
	}
	info.LastUsed = time.Now()
	return info.Conn
}

// HasConnection reports whether any live connection exists for server,
// regardless of instance id.
func (p *Pool) HasConnection(server string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, info := range p.conns {
		if info.Server == server {
			return true
		}
	}
	return false
}

// RefreshCacheSync fetches the tool list over an existing live connection and
// writes it to the cache before returning. Used when a caller holds an
// expired cache entry and a connection is already paid for.
func (p *Pool) RefreshCacheSync(ctx context.Context, server string) ([]mcp.Tool, error) {
	conn := p.anyConnection(server)
	if conn == nil {
		return nil, fmt.Errorf("no live connection for %s", server)
	}

	tools, err := conn.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing tools for %s: %w", server, err)
	}
	if p.cache != nil {
		if err := p.cache.Set(server, tools); err != nil {
			p.logger.Warn("cache write failed", "server", server, "error", err)
		}
	}
	return tools, nil
}

// anyConnection prefers the default instance, then falls back to any instance
// of server.
func (p *Pool) anyConnection(server string) mcp.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.conns[server]; ok {
		info.LastUsed = time.Now()
		return info.Conn
	}
	for _, info := range p.conns {
		if info.Server == server {
			info.LastUsed = time.Now()
			return info.Conn
		}
	}
	return nil
}

// refreshCache updates the schema cache in the background after a new
// connection. The refreshing set keeps concurrent reconnects from piling up
// refreshes; failures are logged, never propagated.
func (p *Pool) refreshCache(server string, conn mcp.Connection) {
	if p.cache == nil {
		return
	}

	p.mu.Lock()
	if p.refreshing[server] {
		p.mu.Unlock()
		return
	}
	p.refreshing[server] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.refreshing, server)
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	tools, err := conn.ListTools(ctx)
	if err != nil {
		p.logger.Debug("background cache refresh failed", "server", server, "error", err)
		return
	}
	if err := p.cache.Set(server, tools); err != nil {
		p.logger.Warn("cache write failed", "server", server, "error", err)
	}
}

func (p *Pool) closeInfo(info *ConnectionInfo) {
	if err := info.Conn.Close(); err != nil {
		p.logger.Warn("closing connection", "key", info.Key(), "error", err)
		info.Status = StatusError
	} else {
		info.Status = StatusDisconnected
	}
	info.ClosedAt = time.Now()
	p.logger.Debug("connection closed", "key", info.Key(), "id", info.ID)
}

// sweepLoop disconnects idle connections until Close is called.
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.stopSweep:
			return
		}
	}
}

func (p *Pool) sweepIdle() {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	var idle []*ConnectionInfo
	for key, info := range p.conns {
		if info.LastUsed.Before(cutoff) {
			idle = append(idle, info)
			delete(p.conns, key)
		}
	}
	p.mu.Unlock()

	for _, info := range idle {
		p.logger.Info("disconnecting idle connection",
			"key", info.Key(), "idle", time.Since(info.LastUsed).Round(time.Second))
		p.closeInfo(info)
	}
}

// Close stops the sweep and disconnects everything.
func (p *Pool) Close() {
	if p.stopSweep != nil {
		close(p.stopSweep)
		<-p.sweepDone
	}
	p.DisconnectAll()
}
