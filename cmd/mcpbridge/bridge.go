package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/events"
	"github.com/Bigsy/mcpbridge/internal/host"
	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/manager"
	"github.com/Bigsy/mcpbridge/internal/mcp"
	"github.com/Bigsy/mcpbridge/internal/oauth"
	"github.com/Bigsy/mcpbridge/internal/process"
	"github.com/Bigsy/mcpbridge/internal/tools"
)

// bridge wires the outbound manager and the inbound host around one shared
// tool registry.
type bridge struct {
	logger   *slog.Logger
	secrets  oauth.SecretStore
	tokens   *oauth.TokenStore
	bus      *events.Bus
	registry *tools.Registry
	manager  *manager.Manager
	host     *host.Server

	unsubscribe func()
	started     chan struct{}
}

func newBridge(opts *globalOptions, cfg *config.Config, logger *slog.Logger) (*bridge, error) {
	secrets, err := opts.secrets(cfg)
	if err != nil {
		return nil, err
	}

	b := &bridge{
		logger:   logger,
		secrets:  secrets,
		tokens:   oauth.NewTokenStore(secrets),
		bus:      events.NewBus(logger),
		registry: tools.NewRegistry(),
		started:  make(chan struct{}),
	}
	b.unsubscribe = b.bus.Subscribe(b.logEvent)

	pids, err := opts.pidTracker(logger)
	if err != nil {
		logger.Warn("pid tracking disabled", "error", err)
	} else if n := pids.CleanupOrphans(); n > 0 {
		logger.Info("cleaned up orphaned server processes", "count", n)
	}

	info := mcp.Implementation{Name: "mcpbridge", Version: version}
	b.manager = manager.New(manager.Options{
		Registry:   b.registry,
		Bus:        b.bus,
		Tokens:     b.tokens,
		PIDs:       pids,
		ClientInfo: info,
		Logger:     logger,
	})
	b.host = host.New(host.Options{
		Config:       cfg.Host,
		Registry:     b.registry,
		Secrets:      secrets,
		SessionState: b.sessionState,
		ServerStates: b.manager.States,
		ServerInfo:   info,
		Logger:       logger,
	})
	return b, nil
}

// pidTracker keeps pids.json next to a custom --config, else under the user's
// config directory.
func (o *globalOptions) pidTracker(logger *slog.Logger) (*process.PIDTracker, error) {
	if o.configPath == "" {
		return process.NewPIDTracker(logger)
	}
	path, err := config.ExpandPath(o.configPath)
	if err != nil {
		return nil, err
	}
	return process.NewPIDTrackerAt(filepath.Join(filepath.Dir(path), "pids.json"), logger), nil
}

func (b *bridge) logEvent(e events.Event) {
	switch ev := e.(type) {
	case events.StatusChangedEvent:
		attrs := []any{log.ServerKey, ev.Status.Name, "from", ev.OldState.String(), "to", ev.NewState.String()}
		if ev.Status.Error != "" {
			attrs = append(attrs, "error", ev.Status.Error)
		}
		b.logger.Info("server state changed", attrs...)
	case events.LogReceivedEvent:
		b.logger.Debug("server stderr", "serverId", ev.ServerID(), "line", ev.Line)
	case events.ErrorEvent:
		b.logger.Warn(ev.Message, "serverId", ev.ServerID(), "error", ev.Err)
	}
}

// sessionState summarises the outbound servers for mcpbridge://state/session.
func (b *bridge) sessionState() host.SessionState {
	var running, failed, total int
	var lastErr string
	for _, st := range b.manager.States() {
		total++
		switch st.State {
		case events.StateRunning:
			running++
		case events.StateError:
			failed++
			lastErr = fmt.Sprintf("%s: %s", st.Name, st.Error)
		}
	}

	state := host.SessionState{
		Status:  "running",
		Message: fmt.Sprintf("%d of %d servers running", running, total),
	}
	if failed > 0 {
		state.Status = "degraded"
		state.Error = lastErr
	}
	return state
}

// start brings up the outbound servers and the HTTP transport.
func (b *bridge) start(ctx context.Context, cfg *config.Config) error {
	go func() {
		defer close(b.started)
		b.manager.StartAll(ctx, cfg.ServerList())
	}()
	return b.host.Start(ctx)
}

// apply converges on a reloaded config.
func (b *bridge) apply(ctx context.Context, cfg *config.Config) {
	if err := b.manager.Reload(ctx, cfg.ServerList()); err != nil {
		b.logger.Warn("server reload finished with errors", "error", err)
	}
	if err := b.host.Reload(ctx, cfg.Host); err != nil {
		b.logger.Error("host reload failed", "error", err)
	}
}

// close stops everything. Starts still in flight get until ctx's deadline
// to finish so their servers are not left running.
func (b *bridge) close(ctx context.Context) {
	select {
	case <-b.started:
	case <-ctx.Done():
	}
	if err := b.host.Stop(ctx); err != nil {
		b.logger.Warn("host shutdown", "error", err)
	}
	if err := b.manager.StopAllServers(ctx); err != nil {
		b.logger.Warn("server shutdown", "error", err)
	}
	b.unsubscribe()
	b.bus.Close()
}
