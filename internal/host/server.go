package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/events"
	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/mcp"
	"github.com/Bigsy/mcpbridge/internal/oauth"
	"github.com/Bigsy/mcpbridge/internal/tools"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	Config   config.HostConfig
	Registry *tools.Registry

	// Secrets holds the static bearer token. Required when HTTP is enabled
	// with a bearer auth mode and no token override.
	Secrets oauth.SecretStore

	// Permissions answers ASK decisions. When nil, the config's permission
	// rules are used.
	Permissions PermissionManager

	// SessionState and ServerStates feed the built-in state resources.
	SessionState func() SessionState
	ServerStates func() []events.ServerStatus

	// Resources and Prompts are consulted after the built-in providers.
	Resources []ResourceProvider
	Prompts   []PromptProvider

	ServerInfo mcp.Implementation
	Logger     *slog.Logger
}

// Server is the inbound MCP host: a router shared by the stdio and HTTP
// transports.
type Server struct {
	opts      Options
	logger    *slog.Logger
	router    *Router
	metrics   *Metrics
	workspace *WorkspaceProvider

	mu       sync.Mutex
	cfg      config.HostConfig
	httpSrv  *http.Server
	httpHost *HTTPServer
	addr     string
}

// New builds a host server. Nothing listens until Start or RunStdio.
func New(opts Options) *Server {
	logger := log.WithComponent(opts.Logger, "host")
	metrics := NewMetrics()
	workspace := &WorkspaceProvider{Root: opts.Config.WorkspaceRoot}

	resources := []ResourceProvider{
		&SessionStateProvider{State: opts.SessionState},
		&ServersStateProvider{States: opts.ServerStates},
		workspace,
	}
	resources = append(resources, opts.Resources...)
	prompts := append([]PromptProvider{TemplatePromptProvider{}}, opts.Prompts...)

	router := NewRouter(RouterOptions{
		Registry:   opts.Registry,
		Exposure:   ParseExposurePolicy(opts.Config.ExposedTools),
		Policy:     PolicyFromConfig(opts.Config, opts.Permissions),
		Resources:  resources,
		Prompts:    prompts,
		Metrics:    metrics,
		ServerInfo: opts.ServerInfo,
		Logger:     opts.Logger,
	})

	return &Server{
		opts:      opts,
		logger:    logger,
		router:    router,
		metrics:   metrics,
		workspace: workspace,
		cfg:       opts.Config,
	}
}

// Router returns the shared router.
func (s *Server) Router() *Router { return s.router }

// Metrics returns the host's metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the HTTP listen address, or "" when HTTP is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// RunStdio serves one client on r/w until EOF or ctx is cancelled.
func (s *Server) RunStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	return NewStdioServer(s.router, r, w, s.opts.Logger).Run(ctx)
}

// Start starts the HTTP transport when the config enables it.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startHTTPLocked(ctx)
}

func (s *Server) startHTTPLocked(ctx context.Context) error {
	cfg := s.cfg
	if !cfg.Enabled || !cfg.HTTPEnabled || s.httpSrv != nil {
		return nil
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", cfg.BindAddress, cfg.Port, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	httpHost, err := s.buildHTTP(cfg, port)
	if err != nil {
		_ = ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           httpHost.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv = srv
	s.httpHost = httpHost
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("host HTTP server stopped", "error", err)
		}
	}()
	s.logger.Info("host HTTP listening", "addr", s.addr, "authMode", cfg.AuthMode)
	return nil
}

func (s *Server) buildHTTP(cfg config.HostConfig, port int) (*HTTPServer, error) {
	var token string
	if cfg.AuthMode == config.AuthModeBearerOnly || cfg.AuthMode == config.AuthModeOAuthOrBearer {
		if cfg.BearerToken == "" && s.opts.Secrets == nil {
			if cfg.AuthMode == config.AuthModeBearerOnly {
				return nil, errors.New("bearer auth requires a token or a secret store")
			}
		} else {
			t, err := config.BearerToken(s.opts.Secrets, cfg.BearerToken)
			if err != nil {
				return nil, err
			}
			token = t
		}
	}

	var as *AuthServer
	if cfg.AuthMode == config.AuthModeOAuthOnly || cfg.AuthMode == config.AuthModeOAuthOrBearer {
		var err error
		as, err = NewAuthServer(AuthServerOptions{Issuer: IssuerURL(cfg.BindAddress, port), Logger: s.opts.Logger})
		if err != nil {
			return nil, err
		}
	}

	return NewHTTPServer(HTTPOptions{
		Router:     s.router,
		Authorizer: NewAuthorizer(cfg.AuthMode, token, as),
		OAuth:      as,
		Metrics:    s.metrics,
		RateLimit:  cfg.RateLimit,
		Logger:     s.opts.Logger,
	}), nil
}

// Stop shuts the HTTP transport down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopHTTPLocked(ctx)
}

func (s *Server) stopHTTPLocked(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.httpSrv.Shutdown(ctx)
	s.httpHost.CloseSessions()
	s.httpSrv, s.httpHost, s.addr = nil, nil, ""
	if err != nil {
		return fmt.Errorf("shutdown host HTTP: %w", err)
	}
	return nil
}

// Reload applies a new host config. Exposure, mutation policy and
// workspace root change in place; the HTTP listener restarts only when its
// settings changed.
func (s *Server) Reload(ctx context.Context, cfg config.HostConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.router.SetExposure(ParseExposurePolicy(cfg.ExposedTools))
	s.router.SetPolicy(PolicyFromConfig(cfg, s.opts.Permissions))
	s.workspace.SetRoot(cfg.WorkspaceRoot)

	old := s.cfg
	s.cfg = cfg
	if !httpChanged(old, cfg) {
		return nil
	}
	s.logger.Info("host HTTP settings changed, restarting listener")
	if err := s.stopHTTPLocked(ctx); err != nil {
		s.logger.Warn("stopping host HTTP for reload", "error", err)
	}
	return s.startHTTPLocked(ctx)
}

func httpChanged(a, b config.HostConfig) bool {
	return a.Enabled != b.Enabled ||
		a.HTTPEnabled != b.HTTPEnabled ||
		a.BindAddress != b.BindAddress ||
		a.Port != b.Port ||
		a.AuthMode != b.AuthMode ||
		a.BearerToken != b.BearerToken ||
		a.RateLimit != b.RateLimit
}
