// Package config provides the mcpbridge configuration schema and persistence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is the current config schema version.
const SchemaVersion = 1

// Default timeouts, in milliseconds.
const (
	DefaultConnectTimeoutMs = 30000
	DefaultRequestTimeoutMs = 60000
)

// TransportKind selects how mcpbridge reaches an outbound server.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportStreamableHTTP TransportKind = "streamable_http"
	TransportLegacySSE      TransportKind = "http_sse_legacy"
)

// AuthKind selects the outbound auth provider for remote servers.
type AuthKind string

const (
	AuthNone          AuthKind = "none"
	AuthStaticHeaders AuthKind = "static_headers"
	AuthOAuth2        AuthKind = "oauth2"
)

// EnvAllowInsecureHTTP permits plain http URLs for non-loopback hosts.
const EnvAllowInsecureHTTP = "MCPBRIDGE_ALLOW_INSECURE_HTTP"

// ServerConfig describes one outbound MCP server.
type ServerConfig struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Enabled   *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"` // nil treated as true
	Transport TransportKind     `json:"transport,omitempty" yaml:"transport,omitempty"`
	Auth      AuthKind          `json:"auth,omitempty" yaml:"auth,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // stdio only
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // stdio only
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`

	URL                 string            `json:"url,omitempty" yaml:"url,omitempty"`
	RemoteURL           string            `json:"remoteUrl,omitempty" yaml:"remoteUrl,omitempty"` // legacy spelling of url
	SSEURL              string            `json:"sseUrl,omitempty" yaml:"sseUrl,omitempty"`
	AllowLegacyFallback bool              `json:"allowLegacyFallback,omitempty" yaml:"allowLegacyFallback,omitempty"`
	Headers             map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	OAuthProfile  string   `json:"oauthProfile,omitempty" yaml:"oauthProfile,omitempty"`
	OAuthClientID string   `json:"oauthClientId,omitempty" yaml:"oauthClientId,omitempty"`
	OAuthScopes   []string `json:"oauthScopes,omitempty" yaml:"oauthScopes,omitempty"`

	PreferredProtocolVersion string   `json:"preferredProtocolVersion,omitempty" yaml:"preferredProtocolVersion,omitempty"`
	ProtocolVersions         []string `json:"protocolVersions,omitempty" yaml:"protocolVersions,omitempty"`

	ConnectTimeoutMs int `json:"connectTimeoutMs,omitempty" yaml:"connectTimeoutMs,omitempty"`
	RequestTimeoutMs int `json:"requestTimeoutMs,omitempty" yaml:"requestTimeoutMs,omitempty"`
}

// IsEnabled returns whether the server is enabled (nil defaults to true).
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SetEnabled sets the enabled state.
func (s *ServerConfig) SetEnabled(enabled bool) {
	s.Enabled = &enabled
}

// EffectiveTransport returns the configured transport, inferring it from the
// command/url fields when unset.
func (s ServerConfig) EffectiveTransport() TransportKind {
	if s.Transport != "" {
		return s.Transport
	}
	switch {
	case s.Command != "":
		return TransportStdio
	case s.RemoteEndpoint() == "" && s.SSEURL != "":
		return TransportLegacySSE
	case s.RemoteEndpoint() != "":
		return TransportStreamableHTTP
	}
	return TransportStdio
}

// EffectiveAuth returns the configured auth kind, inferring static headers
// when headers are present.
func (s ServerConfig) EffectiveAuth() AuthKind {
	if s.Auth != "" {
		return s.Auth
	}
	if len(s.Headers) > 0 {
		return AuthStaticHeaders
	}
	return AuthNone
}

// RemoteEndpoint returns url, or the legacy remoteUrl when url is blank.
func (s ServerConfig) RemoteEndpoint() string {
	if s.URL != "" {
		return s.URL
	}
	return s.RemoteURL
}

// LegacyEndpoint is the URL used for the legacy SSE transport.
func (s ServerConfig) LegacyEndpoint() string {
	if s.SSEURL != "" {
		return s.SSEURL
	}
	return s.RemoteEndpoint()
}

// Profile is the key under which OAuth tokens for this server are stored.
func (s ServerConfig) Profile() string {
	if s.OAuthProfile != "" {
		return s.OAuthProfile
	}
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}

func (s ServerConfig) ConnectTimeout() time.Duration {
	if s.ConnectTimeoutMs <= 0 {
		return DefaultConnectTimeoutMs * time.Millisecond
	}
	return time.Duration(s.ConnectTimeoutMs) * time.Millisecond
}

func (s ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutMs <= 0 {
		return DefaultRequestTimeoutMs * time.Millisecond
	}
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// ToolNamespace is the lowercased server name with anything outside
// [a-z0-9_] mapped to '_'. Bridged tools are named mcp_<namespace>_<tool>.
func (s ServerConfig) ToolNamespace() string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s.Name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Validate checks that the server can be started.
func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("server name is required")
	}

	switch s.EffectiveTransport() {
	case TransportStdio:
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("server %q: stdio transport requires a command", s.Name)
		}
	case TransportStreamableHTTP, TransportLegacySSE:
		endpoint := s.RemoteEndpoint()
		if s.EffectiveTransport() == TransportLegacySSE {
			endpoint = s.LegacyEndpoint()
		}
		if strings.TrimSpace(endpoint) == "" {
			return fmt.Errorf("server %q: remote transport requires a url", s.Name)
		}
		if err := checkRemoteURL(endpoint); err != nil {
			return fmt.Errorf("server %q: %w", s.Name, err)
		}
		if s.SSEURL != "" && endpoint != s.SSEURL {
			if err := checkRemoteURL(s.SSEURL); err != nil {
				return fmt.Errorf("server %q: sse url: %w", s.Name, err)
			}
		}
	default:
		return fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport)
	}

	switch s.EffectiveAuth() {
	case AuthNone, AuthStaticHeaders, AuthOAuth2:
	default:
		return fmt.Errorf("server %q: unknown auth %q", s.Name, s.Auth)
	}
	return nil
}

func checkRemoteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) || os.Getenv(EnvAllowInsecureHTTP) == "true" {
			return nil
		}
		return fmt.Errorf("url %q must use https (set %s=true to allow http)", raw, EnvAllowInsecureHTTP)
	default:
		return fmt.Errorf("url %q must use http or https", raw)
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// LogConfig configures internal/log from the config file. Environment
// variables still take precedence.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Config is the root configuration structure.
type Config struct {
	SchemaVersion int                     `json:"schemaVersion" yaml:"schemaVersion"`
	Servers       map[string]ServerConfig `json:"servers" yaml:"servers"`
	Host          HostConfig              `json:"host" yaml:"host"`
	Log           LogConfig               `json:"log,omitempty" yaml:"log,omitempty"`
	SecretStore   string                  `json:"secretStore,omitempty" yaml:"secretStore,omitempty"`
	LastModified  time.Time               `json:"lastModified,omitempty" yaml:"lastModified,omitempty"`
}

// NewConfig creates a new empty configuration with default values.
func NewConfig() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		Servers:       make(map[string]ServerConfig),
		Host:          DefaultHostConfig(),
	}
}

// ServerList returns the servers sorted by name.
func (c *Config) ServerList() []ServerConfig {
	servers := make([]ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers
}

// GetServer returns a server by ID, or nil if not found.
func (c *Config) GetServer(id string) *ServerConfig {
	if s, ok := c.Servers[id]; ok {
		return &s
	}
	return nil
}
