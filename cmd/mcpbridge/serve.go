package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpbridge/internal/config"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	stdio   bool
	http    bool
	port    int
	noWatch bool
}

// overlay applies command-line overrides on top of a (re)loaded config.
func (s *serveOptions) overlay(cmd *cobra.Command, cfg *config.Config) {
	if s.http {
		cfg.Host.HTTPEnabled = true
	}
	if cmd.Flags().Changed("port") {
		cfg.Host.Port = s.port
	}
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	sopts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Long: `Run mcpbridge: connect to every enabled server, bridge their tools into the
local registry, and host that registry to MCP clients.

By default the host speaks MCP over stdin/stdout, so an MCP client can spawn it:

  {
    "mcpbridge": {
      "command": "mcpbridge",
      "args": ["serve"]
    }
  }

With --http (or host.httpEnabled in the config) the host also listens on
/mcp at the configured bind address. Use --stdio=false to run HTTP only.

Bridged tool names are prefixed with the server name (e.g. github.create_issue).
The config file is watched; edits are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, sopts)
		},
	}

	cmd.Flags().BoolVar(&sopts.stdio, "stdio", true, "Serve MCP over stdin/stdout")
	cmd.Flags().BoolVar(&sopts.http, "http", false, "Enable the HTTP host regardless of config")
	cmd.Flags().IntVarP(&sopts.port, "port", "p", 0, "HTTP host port (0 picks a free port)")
	cmd.Flags().BoolVar(&sopts.noWatch, "no-watch", false, "Do not reload when the config file changes")
	return cmd
}

func runServe(cmd *cobra.Command, opts *globalOptions, sopts *serveOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	sopts.overlay(cmd, cfg)

	logger := opts.logger(cfg, cmd.ErrOrStderr())
	logger.Info("mcpbridge serve starting", "version", version, "servers", len(cfg.Servers),
		"stdio", sopts.stdio, "http", cfg.Host.Enabled && cfg.Host.HTTPEnabled)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBridge(opts, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		b.close(shutdownCtx)
		logger.Info("mcpbridge serve stopped")
	}()

	if err := b.start(ctx, cfg); err != nil {
		return err
	}
	if addr := b.host.Addr(); addr != "" {
		logger.Info("host listening", "url", "http://"+addr+"/mcp")
	}

	if !sopts.noWatch {
		watchConfig(ctx, cmd, opts, sopts, b)
	}

	if sopts.stdio && cfg.Host.Enabled {
		// EOF on stdin means the client went away.
		return b.host.RunStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	}
	<-ctx.Done()
	return nil
}

func watchConfig(ctx context.Context, cmd *cobra.Command, opts *globalOptions, sopts *serveOptions, b *bridge) {
	path, err := opts.resolvedConfigPath()
	if err != nil {
		b.logger.Warn("config watch disabled", "error", err)
		return
	}
	updates, err := config.Watch(ctx, path, config.DefaultWatchDebounce, b.logger)
	if err != nil {
		b.logger.Warn("config watch disabled", "error", err)
		return
	}
	go func() {
		for cfg := range updates {
			sopts.overlay(cmd, cfg)
			b.logger.Info("config changed, reloading", "path", path)
			b.apply(ctx, cfg)
		}
	}()
}
