package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Bigsy/mcpbridge/internal/oauth"
)

// AuthMode controls how the host HTTP transport authenticates callers.
type AuthMode string

const (
	AuthModeOAuthOrBearer AuthMode = "OAUTH_OR_BEARER"
	AuthModeOAuthOnly     AuthMode = "OAUTH_ONLY"
	AuthModeBearerOnly    AuthMode = "BEARER_ONLY"
	AuthModeNone          AuthMode = "NONE"
)

// MutationPolicy is the server-wide decision for tool calls.
type MutationPolicy string

const (
	MutationAllow MutationPolicy = "ALLOW"
	MutationDeny  MutationPolicy = "DENY"
	MutationAsk   MutationPolicy = "ASK"
)

// Host defaults.
const (
	DefaultBindAddress  = "127.0.0.1"
	DefaultPort         = 8765
	DefaultExposedTools = "*"
)

// BearerTokenKey is the secret store key of the host's static bearer token.
const BearerTokenKey = "mcp.host.http.bearerToken"

// PermissionRule pins the decision for one tool name ("*" matches any).
type PermissionRule struct {
	Tool     string         `json:"tool" yaml:"tool"`
	Decision MutationPolicy `json:"decision" yaml:"decision"`
}

// RateLimitConfig bounds requests per client IP on the host HTTP server.
// Zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// HostConfig configures the inbound MCP host.
type HostConfig struct {
	Enabled         bool             `json:"enabled" yaml:"enabled"`
	HTTPEnabled     bool             `json:"httpEnabled" yaml:"httpEnabled"`
	BindAddress     string           `json:"bindAddress,omitempty" yaml:"bindAddress,omitempty"`
	Port            int              `json:"port,omitempty" yaml:"port,omitempty"`
	AuthMode        AuthMode         `json:"authMode,omitempty" yaml:"authMode,omitempty"`
	MutationPolicy  MutationPolicy   `json:"mutationPolicy,omitempty" yaml:"mutationPolicy,omitempty"`
	ExposedTools    string           `json:"exposedTools,omitempty" yaml:"exposedTools,omitempty"`
	WorkspaceRoot   string           `json:"workspaceRoot,omitempty" yaml:"workspaceRoot,omitempty"`
	RateLimit       RateLimitConfig  `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	PermissionRules []PermissionRule `json:"permissionRules,omitempty" yaml:"permissionRules,omitempty"`

	// BearerToken is only ever set from the environment; the persisted token
	// lives in the secret store.
	BearerToken string `json:"-" yaml:"-"`
}

// DefaultHostConfig returns the host defaults: stdio host on, HTTP off.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Enabled:        true,
		BindAddress:    DefaultBindAddress,
		Port:           DefaultPort,
		AuthMode:       AuthModeOAuthOrBearer,
		MutationPolicy: MutationAllow,
		ExposedTools:   DefaultExposedTools,
	}
}

// ParseAuthMode parses an auth mode case-insensitively.
func ParseAuthMode(s string) (AuthMode, error) {
	switch mode := AuthMode(strings.ToUpper(strings.TrimSpace(s))); mode {
	case "":
		return AuthModeOAuthOrBearer, nil
	case AuthModeOAuthOrBearer, AuthModeOAuthOnly, AuthModeBearerOnly, AuthModeNone:
		return mode, nil
	}
	return "", fmt.Errorf("unknown auth mode %q", s)
}

// ParseMutationPolicy parses a policy case-insensitively; blank is ALLOW.
func ParseMutationPolicy(s string) (MutationPolicy, error) {
	switch p := MutationPolicy(strings.ToUpper(strings.TrimSpace(s))); p {
	case "":
		return MutationAllow, nil
	case MutationAllow, MutationDeny, MutationAsk:
		return p, nil
	}
	return "", fmt.Errorf("unknown mutation policy %q", s)
}

// normalize fills defaults and canonicalises enum spellings.
func (h *HostConfig) normalize() error {
	if h.BindAddress == "" {
		h.BindAddress = DefaultBindAddress
	}
	if h.Port == 0 {
		h.Port = DefaultPort
	}
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("host port %d out of range", h.Port)
	}
	if strings.TrimSpace(h.ExposedTools) == "" {
		h.ExposedTools = DefaultExposedTools
	}

	mode, err := ParseAuthMode(string(h.AuthMode))
	if err != nil {
		return err
	}
	h.AuthMode = mode

	policy, err := ParseMutationPolicy(string(h.MutationPolicy))
	if err != nil {
		return err
	}
	h.MutationPolicy = policy

	for i, rule := range h.PermissionRules {
		d, err := ParseMutationPolicy(string(rule.Decision))
		if err != nil {
			return fmt.Errorf("permission rule %q: %w", rule.Tool, err)
		}
		h.PermissionRules[i].Decision = d
	}
	return nil
}

// ApplyEnv overlays MCPBRIDGE_HOST_* environment variables.
func (h *HostConfig) ApplyEnv() error {
	var errs []error

	boolVar := func(name string, dst *bool) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = b
	}
	stringVar := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	boolVar("MCPBRIDGE_HOST_ENABLED", &h.Enabled)
	boolVar("MCPBRIDGE_HOST_HTTP_ENABLED", &h.HTTPEnabled)
	stringVar("MCPBRIDGE_HOST_HTTP_BIND", &h.BindAddress)
	stringVar("MCPBRIDGE_HOST_POLICY_EXPOSED_TOOLS", &h.ExposedTools)
	stringVar("MCPBRIDGE_HOST_HTTP_BEARER_TOKEN", &h.BearerToken)

	if v := os.Getenv("MCPBRIDGE_HOST_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MCPBRIDGE_HOST_HTTP_PORT: %w", err))
		} else {
			h.Port = port
		}
	}
	if v := os.Getenv("MCPBRIDGE_HOST_AUTH_MODE"); v != "" {
		h.AuthMode = AuthMode(v)
	}
	if v := os.Getenv("MCPBRIDGE_HOST_POLICY_MUTATION"); v != "" {
		h.MutationPolicy = MutationPolicy(v)
	}

	if err := h.normalize(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// BearerToken returns the host's static bearer token, generating and storing
// one when the store has none. A non-empty override wins and is not stored.
func BearerToken(store oauth.SecretStore, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	token, err := store.Read(BearerTokenKey)
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && !errors.Is(err, oauth.ErrNotFound) {
		return "", fmt.Errorf("read bearer token: %w", err)
	}
	return RotateBearerToken(store)
}

// RotateBearerToken replaces the stored bearer token with a fresh one.
func RotateBearerToken(store oauth.SecretStore) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate bearer token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := store.Store(BearerTokenKey, token); err != nil {
		return "", fmt.Errorf("store bearer token: %w", err)
	}
	return token, nil
}
