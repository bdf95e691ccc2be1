package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/events"
	"github.com/Bigsy/mcpbridge/internal/manager"
	"github.com/Bigsy/mcpbridge/internal/mcp"
	"github.com/Bigsy/mcpbridge/internal/oauth"
	"github.com/Bigsy/mcpbridge/internal/tools"
)

func newServerCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "server",
		Aliases: []string{"servers"},
		Short:   "Manage outbound MCP servers",
		Long:    `Add, remove, inspect and authenticate the MCP servers mcpbridge connects to.`,
	}
	cmd.AddCommand(
		newServerListCmd(opts),
		newServerAddCmd(opts),
		newServerRemoveCmd(opts),
		newServerEnableCmd(opts, true),
		newServerEnableCmd(opts, false),
		newServerStatusCmd(opts),
		newServerLoginCmd(opts),
		newServerLogoutCmd(opts),
	)
	return cmd
}

// serverView is the --json shape of one configured server.
type serverView struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Auth      string            `json:"auth"`
	Enabled   bool              `json:"enabled"`
}

func newServerListCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured MCP servers",
		Long: `List all configured MCP servers.

By default, outputs a human-readable table. Use --json for machine-readable output.

Examples:
  mcpbridge server list
  mcpbridge server list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			servers := cfg.ServerList()
			out := cmd.OutOrStdout()

			if asJSON {
				views := make([]serverView, len(servers))
				for i, srv := range servers {
					views[i] = serverView{
						ID:        srv.ID,
						Name:      srv.Name,
						Transport: string(srv.EffectiveTransport()),
						Command:   srv.Command,
						Args:      srv.Args,
						URL:       srv.RemoteEndpoint(),
						Cwd:       srv.Cwd,
						Env:       srv.Env,
						Auth:      string(srv.EffectiveAuth()),
						Enabled:   srv.IsEnabled(),
					}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			if len(servers) == 0 {
				fmt.Fprintln(out, "No servers configured")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTRANSPORT\tCOMMAND/URL\tAUTH\tENABLED")
			for _, srv := range servers {
				enabled := "yes"
				if !srv.IsEnabled() {
					enabled = "no"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", srv.Name, formatTransport(srv),
					truncate(formatCommandOrURL(srv), 50), srv.EffectiveAuth(), enabled)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func formatTransport(srv config.ServerConfig) string {
	switch srv.EffectiveTransport() {
	case config.TransportStdio:
		return "stdio"
	case config.TransportStreamableHTTP:
		return "http"
	case config.TransportLegacySSE:
		return "sse"
	default:
		return string(srv.EffectiveTransport())
	}
}

func formatCommandOrURL(srv config.ServerConfig) string {
	if srv.EffectiveTransport() != config.TransportStdio {
		return srv.RemoteEndpoint()
	}
	if len(srv.Args) == 0 {
		return srv.Command
	}
	return srv.Command + " " + strings.Join(srv.Args, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

type addOptions struct {
	url                 string
	sseURL              string
	env                 []string
	headers             []string
	cwd                 string
	oauth               bool
	oauthClientID       string
	oauthProfile        string
	scopes              []string
	legacySSE           bool
	allowLegacyFallback bool
	disabled            bool
	protocolVersion     string
}

func newServerAddCmd(opts *globalOptions) *cobra.Command {
	aopts := &addOptions{}

	cmd := &cobra.Command{
		Use:   "add <name> [<url> | -- <command> [args...]]",
		Short: "Add a new MCP server",
		Long: `Add a new MCP server to the configuration.

For stdio servers, the command and arguments follow the -- separator.
For remote servers, provide the URL as a positional argument (or use --url).

Examples:
  # Stdio server
  mcpbridge server add context7 -- npx -y @upstash/context7-mcp
  mcpbridge server add my-server --env FOO=bar --env BAZ=qux -- ./server --flag

  # Remote server with a static header
  mcpbridge server add figma https://mcp.figma.com/mcp --header "Authorization=Bearer xyz"

  # Remote server with OAuth (login separately)
  mcpbridge server add atlassian https://mcp.atlassian.com/mcp --oauth --scopes read,write

  # Legacy HTTP+SSE server
  mcpbridge server add old https://example.com/sse --legacy-sse`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := aopts.build(args, cmd.ArgsLenAtDash())
			if err != nil {
				return err
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if _, err := cfg.AddServer(srv); err != nil {
				return err
			}
			if err := opts.saveConfig(cfg); err != nil {
				return err
			}

			if srv.EffectiveTransport() == config.TransportStdio {
				fmt.Fprintf(cmd.OutOrStdout(), "Added server %q\n", srv.Name)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s server %q (%s)\n", formatTransport(srv), srv.Name, srv.RemoteEndpoint())
			}
			if srv.EffectiveAuth() == config.AuthOAuth2 {
				fmt.Fprintf(cmd.OutOrStdout(), "Run 'mcpbridge server login %s' to authenticate.\n", srv.Name)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&aopts.url, "url", "", "Server URL for remote transports")
	f.StringVar(&aopts.sseURL, "sse-url", "", "Separate URL for the legacy HTTP+SSE transport")
	f.StringArrayVarP(&aopts.env, "env", "e", nil, "Environment variable (KEY=VALUE), can be repeated")
	f.StringArrayVarP(&aopts.headers, "header", "H", nil, "Static request header (KEY=VALUE), can be repeated")
	f.StringVar(&aopts.cwd, "cwd", "", "Working directory for the server")
	f.BoolVar(&aopts.oauth, "oauth", false, "Authenticate with OAuth 2.0 (see 'server login')")
	f.StringVar(&aopts.oauthClientID, "oauth-client-id", "", "Pre-registered OAuth client id (skips dynamic registration)")
	f.StringVar(&aopts.oauthProfile, "oauth-profile", "", "Token profile name (default: server id)")
	f.StringSliceVar(&aopts.scopes, "scopes", nil, "OAuth scopes to request (comma-separated)")
	f.BoolVar(&aopts.legacySSE, "legacy-sse", false, "Use the legacy HTTP+SSE transport")
	f.BoolVar(&aopts.allowLegacyFallback, "allow-legacy-fallback", false, "Fall back to legacy HTTP+SSE when streamable HTTP fails")
	f.BoolVar(&aopts.disabled, "disabled", false, "Add the server disabled")
	f.StringVar(&aopts.protocolVersion, "protocol-version", "", "Preferred MCP protocol version")
	return cmd
}

// build turns positional args and flags into a server config. dashIdx is the
// cobra ArgsLenAtDash value (-1 when there is no --).
func (a *addOptions) build(args []string, dashIdx int) (config.ServerConfig, error) {
	if dashIdx == 0 || len(args) == 0 {
		return config.ServerConfig{}, errors.New("missing server name\n\nUsage: mcpbridge server add <name> [<url> | -- <command> [args...]]")
	}

	env, err := parseKeyValues("--env", a.env)
	if err != nil {
		return config.ServerConfig{}, err
	}
	headers, err := parseKeyValues("--header", a.headers)
	if err != nil {
		return config.ServerConfig{}, err
	}

	srv := config.ServerConfig{
		Name:                     args[0],
		Env:                      env,
		Cwd:                      a.cwd,
		PreferredProtocolVersion: a.protocolVersion,
	}
	if a.disabled {
		srv.SetEnabled(false)
	}

	url := a.url
	if url == "" && dashIdx == -1 && len(args) >= 2 && isURL(args[1]) {
		url = args[1]
	}

	if url == "" && a.sseURL == "" {
		if dashIdx == -1 {
			return config.ServerConfig{}, errors.New("missing -- separator or url\n\nUsage: mcpbridge server add <name> -- <command> [args...]")
		}
		cmdArgs := args[dashIdx:]
		if len(cmdArgs) == 0 {
			return config.ServerConfig{}, errors.New("missing command after --\n\nUsage: mcpbridge server add <name> -- <command> [args...]")
		}
		if len(headers) > 0 || a.oauth {
			return config.ServerConfig{}, errors.New("--header and --oauth apply to remote servers only")
		}
		srv.Transport = config.TransportStdio
		srv.Command = cmdArgs[0]
		srv.Args = cmdArgs[1:]
		return srv, nil
	}

	srv.URL = url
	srv.SSEURL = a.sseURL
	srv.Headers = headers
	srv.AllowLegacyFallback = a.allowLegacyFallback
	srv.Transport = config.TransportStreamableHTTP
	if a.legacySSE || url == "" {
		srv.Transport = config.TransportLegacySSE
	}

	switch {
	case a.oauth || a.oauthClientID != "" || len(a.scopes) > 0:
		srv.Auth = config.AuthOAuth2
		srv.OAuthClientID = a.oauthClientID
		srv.OAuthProfile = a.oauthProfile
		srv.OAuthScopes = a.scopes
	case len(headers) > 0:
		srv.Auth = config.AuthStaticHeaders
	default:
		srv.Auth = config.AuthNone
	}
	return srv, nil
}

// isURL checks if a string looks like an HTTP(S) URL.
func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// parseKeyValues parses KEY=VALUE pairs from a repeatable flag.
func parseKeyValues(flag string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(values))
	for _, kv := range values {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid %s format %q: expected KEY=VALUE", flag, kv)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid %s format %q: key cannot be empty", flag, kv)
		}
		out[key] = value
	}
	return out, nil
}

func newServerRemoveCmd(opts *globalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an MCP server",
		Long: `Remove an MCP server from the configuration.

By default, prompts for confirmation. Use --yes to skip the prompt.
Stored OAuth tokens for the server are removed as well.

Examples:
  mcpbridge server remove my-server
  mcpbridge server remove my-server --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			out := cmd.OutOrStdout()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			srv := cfg.FindServerByName(name)
			if srv == nil {
				return fmt.Errorf("server %q not found", name)
			}

			if !yes {
				ok, err := confirm(cmd.InOrStdin(), out, fmt.Sprintf("Remove server %q? [y/N] ", name))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Cancelled")
					return nil
				}
			}

			if err := cfg.DeleteServerByName(name); err != nil {
				return err
			}
			if err := opts.saveConfig(cfg); err != nil {
				return err
			}

			if srv.EffectiveAuth() == config.AuthOAuth2 {
				if err := clearTokens(opts, cfg, *srv); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not remove stored tokens: %v\n", err)
				}
			}

			fmt.Fprintf(out, "Removed server %q\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read response: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes", nil
}

func newServerEnableCmd(opts *globalOptions, enable bool) *cobra.Command {
	use, short, verb := "enable <name>", "Enable an MCP server", "Enabled"
	if !enable {
		use, short, verb = "disable <name>", "Disable an MCP server", "Disabled"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			srv := cfg.FindServerByName(args[0])
			if srv == nil {
				return fmt.Errorf("server %q not found", args[0])
			}
			srv.SetEnabled(enable)
			if err := cfg.UpdateServer(*srv); err != nil {
				return err
			}
			if err := opts.saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s server %q\n", verb, srv.Name)
			return nil
		},
	}
}

func newServerStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status [name...]",
		Short: "Connect to servers and report their state",
		Long: `Connect to the named servers (default: all enabled servers), run the MCP
handshake, report state, protocol version and tool count, then disconnect.

Examples:
  mcpbridge server status
  mcpbridge server status github --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			servers, err := selectServers(cfg, args)
			if err != nil {
				return err
			}

			logger := opts.logger(cfg, cmd.ErrOrStderr())
			secrets, err := opts.secrets(cfg)
			if err != nil {
				return err
			}
			mgr := manager.New(manager.Options{
				Registry:   tools.NewRegistry(),
				Tokens:     oauth.NewTokenStore(secrets),
				ClientInfo: mcp.Implementation{Name: "mcpbridge", Version: version},
				Logger:     logger,
			})

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			mgr.StartAll(ctx, servers)
			states := mgr.States()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := mgr.StopAllServers(stopCtx); err != nil {
				logger.Warn("server shutdown", "error", err)
			}

			// Servers StartAll skipped (disabled or invalid) are reported too.
			seen := make(map[string]bool, len(states))
			for _, st := range states {
				seen[st.ID] = true
			}
			for _, srv := range servers {
				if seen[srv.ID] {
					continue
				}
				st := events.ServerStatus{ID: srv.ID, Name: srv.Name, State: events.StateStopped, Transport: string(srv.EffectiveTransport())}
				if err := srv.Validate(); err != nil {
					st.State, st.Error = events.StateError, err.Error()
				} else if !srv.IsEnabled() {
					st.Error = "disabled"
				}
				states = append(states, st)
			}

			return printStates(cmd.OutOrStdout(), states, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Overall connect timeout")
	return cmd
}

// selectServers resolves names to configs; no names selects every server.
func selectServers(cfg *config.Config, names []string) ([]config.ServerConfig, error) {
	if len(names) == 0 {
		return cfg.ServerList(), nil
	}
	servers := make([]config.ServerConfig, 0, len(names))
	for _, name := range names {
		srv := cfg.FindServerByName(name)
		if srv == nil {
			return nil, fmt.Errorf("server %q not found", name)
		}
		servers = append(servers, *srv)
	}
	return servers, nil
}

func printStates(out io.Writer, states []events.ServerStatus, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(states)
	}
	if len(states) == 0 {
		fmt.Fprintln(out, "No servers configured")
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tPROTOCOL\tTOOLS\tDETAIL")
	for _, st := range states {
		state := st.State.String()
		switch st.State {
		case events.StateRunning:
			state = green(state)
		case events.StateError:
			state = red(state)
		default:
			state = yellow(state)
		}
		protocol := st.ProtocolVersion
		if protocol == "" {
			protocol = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", st.Name, state, protocol, st.ToolCount, st.Error)
	}
	return w.Flush()
}

func newServerLoginCmd(opts *globalOptions) *cobra.Command {
	var (
		scopes       []string
		callbackPort int
		noBrowser    bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login <name>",
		Short: "Login to an OAuth-enabled MCP server",
		Long: `Initiate OAuth login for a remote MCP server.

This will:
1. Discover the server's authorization server
2. Register a client dynamically when no client id is configured
3. Open your browser for authentication
4. Store the obtained tokens in the secret store

Examples:
  mcpbridge server login atlassian
  mcpbridge server login figma --scopes read,write`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			out := cmd.OutOrStdout()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			srv := cfg.FindServerByName(name)
			if srv == nil {
				return fmt.Errorf("server %q not found", name)
			}
			if srv.EffectiveTransport() == config.TransportStdio {
				return fmt.Errorf("server %q is a stdio server (OAuth not applicable)", name)
			}
			if srv.EffectiveAuth() == config.AuthStaticHeaders {
				return fmt.Errorf("server %q uses static header auth, not OAuth", name)
			}

			secrets, err := opts.secrets(cfg)
			if err != nil {
				return err
			}

			if len(scopes) == 0 {
				scopes = srv.OAuthScopes
			}
			loginCfg := oauth.LoginConfig{
				ServerURL:    srv.RemoteEndpoint(),
				Profile:      srv.Profile(),
				ClientID:     srv.OAuthClientID,
				Scopes:       scopes,
				CallbackPort: callbackPort,
				Tokens:       oauth.NewTokenStore(secrets),
				Out:          out,
				Timeout:      timeout,
				Logger:       opts.logger(cfg, cmd.ErrOrStderr()),
			}
			if !noBrowser {
				loginCfg.OpenBrowser = oauth.OpenBrowser
			}

			fmt.Fprintf(out, "Starting OAuth login for %s...\n", name)
			if _, err := oauth.Login(cmd.Context(), loginCfg); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			// Remember that this server authenticates with OAuth.
			if srv.Auth != config.AuthOAuth2 {
				srv.Auth = config.AuthOAuth2
				srv.OAuthScopes = scopes
				if err := cfg.UpdateServer(*srv); err != nil {
					return err
				}
				if err := opts.saveConfig(cfg); err != nil {
					return err
				}
			}

			fmt.Fprintf(out, "Logged in to %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "OAuth scopes to request (comma-separated)")
	cmd.Flags().IntVar(&callbackPort, "callback-port", 0, "Loopback callback port (default: random)")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL without opening a browser")
	cmd.Flags().DurationVar(&timeout, "timeout", oauth.DefaultLoginTimeout, "How long to wait for the browser callback")
	return cmd
}

func newServerLogoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <name>",
		Short: "Remove stored OAuth tokens for an MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			srv := cfg.FindServerByName(args[0])
			if srv == nil {
				return fmt.Errorf("server %q not found", args[0])
			}
			if err := clearTokens(opts, cfg, *srv); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out of %s\n", srv.Name)
			return nil
		},
	}
}

func clearTokens(opts *globalOptions, cfg *config.Config, srv config.ServerConfig) error {
	secrets, err := opts.secrets(cfg)
	if err != nil {
		return err
	}
	if err := oauth.NewTokenStore(secrets).Clear(srv.Profile()); err != nil {
		return fmt.Errorf("failed to remove tokens: %w", err)
	}
	return nil
}
