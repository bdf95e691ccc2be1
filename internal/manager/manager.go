// Package manager owns the lifecycle of outbound MCP servers and bridges
// their tools into the shared tool registry.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/events"
	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/mcp"
	"github.com/Bigsy/mcpbridge/internal/oauth"
	"github.com/Bigsy/mcpbridge/internal/process"
	"github.com/Bigsy/mcpbridge/internal/tools"
)

// MaxConcurrentStarts bounds StartAll's fan-out.
const MaxConcurrentStarts = 4

// ErrUnknownServer is returned for ids the manager has never seen.
var ErrUnknownServer = errors.New("unknown MCP server")

// Options configures a Manager.
type Options struct {
	// Registry receives the bridged tools. Required.
	Registry *tools.Registry

	// Bus receives state transitions. Optional.
	Bus *events.Bus

	// Tokens backs the oauth2 auth provider. Required only for oauth2 servers.
	Tokens *oauth.TokenStore

	// PIDs tracks stdio children for orphan cleanup. Optional.
	PIDs *process.PIDTracker

	// HTTPClient is used by remote transports and OAuth refresh. Optional.
	HTTPClient *http.Client

	// TransportFactory overrides how transports are built.
	TransportFactory TransportFactory

	ClientInfo     mcp.Implementation
	RequestHandler mcp.RequestHandler

	Logger *slog.Logger
}

// connection is one live client plus its tools watcher.
type connection struct {
	client    *mcp.Client
	transport mcp.Transport
	cancel    context.CancelFunc
	done      chan struct{}

	// mu orders bridging against release; nothing is bridged once released.
	mu       sync.Mutex
	released bool
}

type serverEntry struct {
	cfg         config.ServerConfig
	state       events.ServerState
	err         string
	conn        *connection
	pid         int
	toolCount   int
	startedAt   *time.Time
	cancelStart context.CancelFunc
	stopping    bool
}

// Manager starts, stops and tracks outbound MCP servers.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	registry *tools.Registry
	bus      *events.Bus
	factory  TransportFactory

	mu      sync.RWMutex
	servers map[string]*serverEntry

	starts singleflight.Group
}

// New creates a Manager.
func New(opts Options) *Manager {
	m := &Manager{
		opts:     opts,
		logger:   log.WithComponent(log.OrDiscard(opts.Logger), "manager"),
		registry: opts.Registry,
		bus:      opts.Bus,
		servers:  make(map[string]*serverEntry),
	}
	if m.registry == nil {
		m.registry = tools.NewRegistry()
	}
	m.factory = opts.TransportFactory
	if m.factory == nil {
		m.factory = m.defaultTransport
	}
	return m
}

// Registry returns the registry the manager bridges into.
func (m *Manager) Registry() *tools.Registry { return m.registry }

// StartServer starts cfg and returns its client. A running server returns
// its existing client; concurrent starts for the same id share one attempt.
func (m *Manager) StartServer(ctx context.Context, cfg config.ServerConfig) (*mcp.Client, error) {
	if cfg.ID == "" {
		cfg.ID = cfg.Name
	}
	if c, ok := m.Client(cfg.ID); ok {
		return c, nil
	}

	ch := m.starts.DoChan(cfg.ID, func() (any, error) {
		return m.start(context.WithoutCancel(ctx), cfg)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*mcp.Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) start(ctx context.Context, cfg config.ServerConfig) (*mcp.Client, error) {
	if c, ok := m.Client(cfg.ID); ok {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()

	m.mu.Lock()
	entry := m.servers[cfg.ID]
	if entry == nil {
		entry = &serverEntry{state: events.StateStopped}
		m.servers[cfg.ID] = entry
	}
	entry.cfg = cfg
	entry.err = ""
	entry.pid = 0
	entry.stopping = false
	entry.cancelStart = cancel
	clash := m.namespaceClashLocked(cfg)
	m.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		m.fail(cfg.ID, nil, err)
		return nil, err
	}
	if clash != "" {
		err := fmt.Errorf("server %q shares tool prefix %q with active server %q", cfg.Name, ToolPrefix(cfg.Name), clash)
		m.fail(cfg.ID, nil, err)
		return nil, err
	}

	m.setState(cfg.ID, events.StateStarting)
	logger := m.logger.With(log.ServerKey, cfg.Name)
	logger.Info("starting MCP server", "transport", cfg.EffectiveTransport())
	began := time.Now()

	transport, err := m.factory(ctx, cfg)
	if err != nil {
		err = fmt.Errorf("build transport: %w", err)
		m.fail(cfg.ID, nil, err)
		return nil, err
	}

	client := mcp.NewClient(transport, mcp.ClientOptions{
		ServerName:               cfg.Name,
		ClientInfo:               m.opts.ClientInfo,
		PreferredProtocolVersion: cfg.PreferredProtocolVersion,
		ProtocolVersions:         cfg.ProtocolVersions,
		RequestHandler:           m.opts.RequestHandler,
		Logger:                   m.opts.Logger,
	})

	if err := transport.Connect(ctx); err != nil {
		m.fail(cfg.ID, transport, err)
		return nil, fmt.Errorf("start %s: %w", cfg.Name, err)
	}
	if err := client.Initialize(ctx); err != nil {
		m.fail(cfg.ID, transport, err)
		return nil, fmt.Errorf("start %s: %w", cfg.Name, err)
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	conn := &connection{
		client:    client,
		transport: transport,
		cancel:    stopWatch,
		done:      make(chan struct{}),
	}
	m.bridge(cfg, conn, client.Tools())

	m.mu.Lock()
	if entry.stopping {
		m.mu.Unlock()
		stopWatch()
		m.release(cfg.ID, conn)
		_ = transport.Shutdown(context.Background())
		m.setState(cfg.ID, events.StateStopped)
		return nil, fmt.Errorf("start %s: stopped during startup", cfg.Name)
	}
	now := time.Now()
	entry.conn = conn
	entry.startedAt = &now
	entry.cancelStart = nil
	m.mu.Unlock()

	go m.watchTools(watchCtx, cfg, conn)

	m.setState(cfg.ID, events.StateRunning)
	logger.Info("MCP server running",
		"version", client.ProtocolVersion(),
		"tools", len(client.Tools()),
		log.DurationKey, time.Since(began).Milliseconds())
	return client, nil
}

// bridge atomically replaces the server's adapters in the registry. The
// registry tracks them under the server id. A released connection is never
// bridged again.
func (m *Manager) bridge(cfg config.ServerConfig, conn *connection, remote []mcp.Tool) {
	conn.mu.Lock()
	if conn.released {
		conn.mu.Unlock()
		return
	}
	adapters := newAdapters(cfg.Name, remote, conn.client, m.logger.With(log.ServerKey, cfg.Name))
	if conflicts := m.registry.ReplaceOwned(cfg.ID, adapters); len(conflicts) > 0 {
		m.logger.Warn("skipping tools whose names are already registered", log.ServerKey, cfg.Name, "tools", conflicts)
	}
	names := m.registry.Owned(cfg.ID)
	conn.mu.Unlock()

	m.mu.Lock()
	if e := m.servers[cfg.ID]; e != nil {
		e.toolCount = len(names)
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.NewToolsUpdatedEvent(cfg.ID, names))
	}
}

// watchTools re-bridges the server's tools on every list_changed refresh.
func (m *Manager) watchTools(ctx context.Context, cfg config.ServerConfig, conn *connection) {
	defer close(conn.done)
	for {
		select {
		case <-ctx.Done():
			return
		case remote, ok := <-conn.client.ToolsChanged():
			if !ok {
				return
			}
			m.logger.Info("MCP tools changed", log.ServerKey, cfg.Name, "count", len(remote))
			m.bridge(cfg, conn, remote)
		}
	}
}

// release marks conn released and drops the server's adapters. Returns the
// number of tools removed.
func (m *Manager) release(id string, conn *connection) int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.released = true
	return m.registry.UnregisterOwned(id)
}

// namespaceClashLocked returns the name of another active server whose tools
// would share cfg's prefix, or "".
func (m *Manager) namespaceClashLocked(cfg config.ServerConfig) string {
	ns := cfg.ToolNamespace()
	for id, e := range m.servers {
		if id == cfg.ID || (e.conn == nil && e.cancelStart == nil) {
			continue
		}
		if e.cfg.ToolNamespace() == ns {
			return e.cfg.Name
		}
	}
	return ""
}

// fail records err, releases the transport and marks the server ERROR. A
// start cancelled by StopServer ends STOPPED instead.
func (m *Manager) fail(id string, transport mcp.Transport, err error) {
	if transport != nil {
		if serr := transport.Shutdown(context.Background()); serr != nil {
			m.logger.Debug("transport shutdown after failed start", "id", id, "error", serr)
		}
	}

	m.mu.Lock()
	entry := m.servers[id]
	stopping := entry != nil && entry.stopping
	if entry != nil {
		entry.cancelStart = nil
		entry.conn = nil
		if !stopping {
			entry.err = err.Error()
		}
	}
	m.mu.Unlock()

	if stopping {
		m.setState(id, events.StateStopped)
		return
	}

	m.logger.Error("MCP server failed to start", "id", id, "error", err)
	if m.bus != nil {
		m.bus.Publish(events.NewErrorEvent(id, err, err.Error()))
	}
	m.setState(id, events.StateError)
}

func (m *Manager) recordPID(id string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.servers[id]; e != nil {
		e.pid = pid
	}
}

// setState records a transition and publishes it.
func (m *Manager) setState(id string, state events.ServerState) {
	m.mu.Lock()
	entry := m.servers[id]
	if entry == nil {
		m.mu.Unlock()
		return
	}
	old := entry.state
	entry.state = state
	status := entry.statusLocked(id)
	m.mu.Unlock()

	m.logger.Debug("server state changed", "id", id, log.ServerKey, status.Name, "from", old, "to", state)
	if m.bus != nil {
		m.bus.Publish(events.NewStatusChangedEvent(id, old, state, status))
	}
}

func (e *serverEntry) statusLocked(id string) events.ServerStatus {
	st := events.ServerStatus{
		ID:        id,
		Name:      e.cfg.Name,
		State:     e.state,
		Transport: string(e.cfg.EffectiveTransport()),
		PID:       e.pid,
		Error:     e.err,
	}
	if e.state == events.StateRunning && e.conn != nil {
		st.ProtocolVersion = e.conn.client.ProtocolVersion()
		st.ToolCount = e.toolCount
		st.StartedAt = e.startedAt
	}
	return st
}

// StopServer stops the tools watcher, unregisters the server's tools, closes
// its client and marks it STOPPED. A start in flight is cancelled.
func (m *Manager) StopServer(ctx context.Context, id string) error {
	m.mu.Lock()
	entry := m.servers[id]
	if entry == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	if entry.cancelStart != nil {
		entry.stopping = true
		entry.cancelStart()
		m.mu.Unlock()
		return nil
	}
	conn := entry.conn
	entry.conn = nil
	entry.startedAt = nil
	entry.toolCount = 0
	entry.pid = 0
	name := entry.cfg.Name
	m.mu.Unlock()

	if conn == nil {
		m.setState(id, events.StateStopped)
		return nil
	}

	conn.cancel()
	select {
	case <-conn.done:
	case <-ctx.Done():
	}
	removed := m.release(id, conn)
	err := conn.client.Close()

	m.setState(id, events.StateStopped)
	m.logger.Info("MCP server stopped", log.ServerKey, name, "toolsRemoved", removed)
	if err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

// StopAllServers stops every tracked server, continuing past failures.
func (m *Manager) StopAllServers(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := m.StopServer(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartAll starts every enabled, valid server concurrently. Failures are
// logged and do not affect the others.
func (m *Manager) StartAll(ctx context.Context, cfgs []config.ServerConfig) {
	var g errgroup.Group
	g.SetLimit(MaxConcurrentStarts)
	for _, cfg := range cfgs {
		if !cfg.IsEnabled() {
			m.logger.Debug("skipping disabled server", log.ServerKey, cfg.Name)
			continue
		}
		if err := cfg.Validate(); err != nil {
			m.logger.Warn("skipping invalid server", log.ServerKey, cfg.Name, "error", err)
			continue
		}
		g.Go(func() error {
			if _, err := m.StartServer(ctx, cfg); err != nil {
				m.logger.Warn("server start failed", log.ServerKey, cfg.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Reload converges on cfgs: servers removed or disabled are stopped,
// changed ones are restarted and new ones started.
func (m *Manager) Reload(ctx context.Context, cfgs []config.ServerConfig) error {
	wanted := make(map[string]config.ServerConfig, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ID == "" {
			cfg.ID = cfg.Name
		}
		if cfg.IsEnabled() {
			wanted[cfg.ID] = cfg
		}
	}

	m.mu.RLock()
	var stale []string
	for id, entry := range m.servers {
		next, ok := wanted[id]
		if !ok || !reflect.DeepEqual(next, entry.cfg) {
			if entry.state != events.StateStopped {
				stale = append(stale, id)
			}
		}
	}
	m.mu.RUnlock()
	sort.Strings(stale)

	var errs []error
	for _, id := range stale {
		m.logger.Info("reload: stopping server", "id", id)
		if err := m.StopServer(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	var toStart []config.ServerConfig
	for _, cfg := range wanted {
		if m.ServerState(cfg.ID) != events.StateRunning {
			toStart = append(toStart, cfg)
		}
	}
	m.StartAll(ctx, toStart)

	m.mu.Lock()
	for id, entry := range m.servers {
		if _, ok := wanted[id]; !ok && entry.state == events.StateStopped {
			delete(m.servers, id)
		}
	}
	m.mu.Unlock()

	return errors.Join(errs...)
}

// ServerState returns the state of id; unknown ids are STOPPED.
func (m *Manager) ServerState(id string) events.ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e := m.servers[id]; e != nil {
		return e.state
	}
	return events.StateStopped
}

// Status returns the full status of id.
func (m *Manager) Status(id string) (events.ServerStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.servers[id]
	if e == nil {
		return events.ServerStatus{}, false
	}
	return e.statusLocked(id), true
}

// States returns the status of every tracked server sorted by name.
func (m *Manager) States() []events.ServerStatus {
	m.mu.RLock()
	out := make([]events.ServerStatus, 0, len(m.servers))
	for id, e := range m.servers {
		out = append(out, e.statusLocked(id))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Client returns the client of a RUNNING server.
func (m *Manager) Client(id string) (*mcp.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.servers[id]
	if e == nil || e.state != events.StateRunning || e.conn == nil {
		return nil, false
	}
	return e.conn.client, true
}
