package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/mcp"
	"github.com/Bigsy/mcpbridge/internal/oauth"
	"github.com/Bigsy/mcpbridge/internal/process"
)

// TransportFactory builds the message-level transport for a server.
type TransportFactory func(ctx context.Context, cfg config.ServerConfig) (mcp.Transport, error)

// defaultTransport builds stdio, Streamable HTTP, legacy SSE or fallback
// transports from cfg.
func (m *Manager) defaultTransport(_ context.Context, cfg config.ServerConfig) (mcp.Transport, error) {
	logger := m.logger.With("server", cfg.Name)
	rpcOpts := mcp.RPCOptions{RequestTimeout: cfg.RequestTimeout(), Logger: logger}

	switch kind := cfg.EffectiveTransport(); kind {
	case config.TransportStdio:
		spec := process.Spec{
			ServerID: cfg.ID,
			Command:  cfg.Command,
			Args:     cfg.Args,
			Env:      cfg.Env,
			Cwd:      cfg.Cwd,
		}
		opts := process.Options{Logger: logger, Bus: m.bus, PIDs: m.opts.PIDs}
		dial := process.Dialer(spec, opts, func(p *process.Process) { m.recordPID(cfg.ID, p.PID()) })
		return mcp.NewRPCTransport(dial, rpcOpts), nil

	case config.TransportStreamableHTTP, config.TransportLegacySSE:
		auth, err := m.authProvider(cfg)
		if err != nil {
			return nil, err
		}
		extra := cfg.Headers
		if cfg.EffectiveAuth() == config.AuthStaticHeaders {
			extra = nil
		}

		httpDialer := func(url string, legacy bool) mcp.Dialer {
			return func(context.Context) (mcp.Stream, error) {
				return mcp.NewStreamableHTTPStream(mcp.StreamableHTTPConfig{
					URL:     url,
					Auth:    auth,
					Headers: extra,
					Legacy:  legacy,
					Client:  m.opts.HTTPClient,
					Logger:  logger,
				}), nil
			}
		}

		if kind == config.TransportLegacySSE {
			return mcp.NewRPCTransport(httpDialer(cfg.LegacyEndpoint(), true), rpcOpts), nil
		}
		primary := mcp.NewRPCTransport(httpDialer(cfg.RemoteEndpoint(), false), rpcOpts)
		if !cfg.AllowLegacyFallback {
			return primary, nil
		}
		fallback := mcp.NewRPCTransport(httpDialer(cfg.LegacyEndpoint(), true), rpcOpts)
		return mcp.NewFallbackTransport(primary, fallback, logger), nil
	}
	return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
}

// authProvider resolves outbound headers for a remote server.
func (m *Manager) authProvider(cfg config.ServerConfig) (oauth.AuthProvider, error) {
	switch cfg.EffectiveAuth() {
	case config.AuthStaticHeaders:
		return oauth.NewStaticHeaders(cfg.Headers), nil
	case config.AuthOAuth2:
		if m.opts.Tokens == nil {
			return nil, errors.New("oauth2 auth requires a token store")
		}
		resource := cfg.RemoteEndpoint()
		if resource == "" {
			resource = cfg.LegacyEndpoint()
		}
		return oauth.NewOAuth2Provider(oauth.OAuth2Config{
			Profile:     cfg.Profile(),
			ResourceURL: resource,
			ClientID:    cfg.OAuthClientID,
			Tokens:      m.opts.Tokens,
			HTTPClient:  m.opts.HTTPClient,
			Logger:      m.logger,
		}), nil
	default:
		return oauth.NoAuth{}, nil
	}
}
