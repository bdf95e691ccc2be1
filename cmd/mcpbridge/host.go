package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Bigsy/mcpbridge/internal/config"
	"github.com/Bigsy/mcpbridge/internal/host"
)

func newHostCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Inspect the inbound MCP host",
		Long:  `Commands for the MCP host that serves the bridged tool registry to clients.`,
	}
	cmd.AddCommand(newHostTokenCmd(opts), newHostStatusCmd(opts))
	return cmd
}

func newHostTokenCmd(opts *globalOptions) *cobra.Command {
	var rotate bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the HTTP host bearer token",
		Long: `Print the static bearer token accepted by the HTTP host, generating one on
first use. --rotate replaces it; running hosts pick the new token up on their
next config reload or restart.

MCPBRIDGE_HOST_HTTP_BEARER_TOKEN overrides the stored token.

Examples:
  mcpbridge host token
  mcpbridge host token --rotate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if rotate && cfg.Host.BearerToken != "" {
				return errors.New("bearer token is set by MCPBRIDGE_HOST_HTTP_BEARER_TOKEN; unset it to rotate the stored token")
			}

			secrets, err := opts.secrets(cfg)
			if err != nil {
				return err
			}

			var token string
			if rotate {
				token, err = config.RotateBearerToken(secrets)
			} else {
				token, err = config.BearerToken(secrets, cfg.Host.BearerToken)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate", false, "Generate and store a new token")
	return cmd
}

// hostView is the --json shape of host status.
type hostView struct {
	Enabled        bool                   `json:"enabled"`
	HTTPEnabled    bool                   `json:"httpEnabled"`
	Endpoint       string                 `json:"endpoint,omitempty"`
	Issuer         string                 `json:"issuer,omitempty"`
	AuthMode       config.AuthMode        `json:"authMode"`
	MutationPolicy config.MutationPolicy  `json:"mutationPolicy"`
	ExposedTools   string                 `json:"exposedTools"`
	WorkspaceRoot  string                 `json:"workspaceRoot,omitempty"`
	RateLimit      config.RateLimitConfig `json:"rateLimit"`
}

func newHostStatusCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the effective host configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			h := cfg.Host
			view := hostView{
				Enabled:        h.Enabled,
				HTTPEnabled:    h.HTTPEnabled,
				AuthMode:       h.AuthMode,
				MutationPolicy: h.MutationPolicy,
				ExposedTools:   h.ExposedTools,
				WorkspaceRoot:  h.WorkspaceRoot,
				RateLimit:      h.RateLimit,
			}
			if h.Enabled && h.HTTPEnabled {
				view.Endpoint = "http://" + net.JoinHostPort(h.BindAddress, strconv.Itoa(h.Port)) + "/mcp"
				if h.AuthMode == config.AuthModeOAuthOrBearer || h.AuthMode == config.AuthModeOAuthOnly {
					view.Issuer = host.IssuerURL(h.BindAddress, h.Port)
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Enabled:\t%t\n", view.Enabled)
			fmt.Fprintf(w, "HTTP:\t%t\n", view.HTTPEnabled)
			if view.Endpoint != "" {
				fmt.Fprintf(w, "Endpoint:\t%s\n", view.Endpoint)
			}
			if view.Issuer != "" {
				fmt.Fprintf(w, "OAuth issuer:\t%s\n", view.Issuer)
			}
			fmt.Fprintf(w, "Auth mode:\t%s\n", view.AuthMode)
			fmt.Fprintf(w, "Mutation policy:\t%s\n", view.MutationPolicy)
			fmt.Fprintf(w, "Exposed tools:\t%s\n", view.ExposedTools)
			if view.WorkspaceRoot != "" {
				fmt.Fprintf(w, "Workspace root:\t%s\n", view.WorkspaceRoot)
			}
			if view.RateLimit.RequestsPerSecond > 0 {
				fmt.Fprintf(w, "Rate limit:\t%g req/s (burst %d)\n", view.RateLimit.RequestsPerSecond, view.RateLimit.Burst)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
