package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DiscoveryTimeout bounds each metadata request.
	DiscoveryTimeout = 5 * time.Second

	// discoveryProtocolVersion is sent as MCP-Protocol-Version on metadata requests.
	discoveryProtocolVersion = "2025-06-18"

	protectedResourcePath = "/.well-known/oauth-protected-resource"
	openIDConfigPath      = "/.well-known/openid-configuration"
	authServerPath        = "/.well-known/oauth-authorization-server"

	maxMetadataBytes = 1 << 20
)

// AuthorizationServerMetadata is RFC 8414 / OpenID discovery metadata.
type AuthorizationServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// SupportsS256 reports whether S256 PKCE is advertised. Servers that omit the
// field are assumed to support it.
func (m *AuthorizationServerMetadata) SupportsS256() bool {
	if len(m.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return false
}

// ResourceMetadata is RFC 9728 protected resource metadata.
type ResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}

// Discoverer resolves OAuth metadata over HTTP.
type Discoverer struct {
	Client *http.Client
}

func (d Discoverer) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: DiscoveryTimeout}
}

// ProtectedResourceURL returns <scheme>://<host>/.well-known/oauth-protected-resource.
func ProtectedResourceURL(resourceURL string) (string, error) {
	u, err := url.Parse(resourceURL)
	if err != nil {
		return "", fmt.Errorf("parse resource URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("resource URL %q is not absolute", resourceURL)
	}
	return u.Scheme + "://" + u.Host + protectedResourcePath, nil
}

// ProtectedResource fetches the PRM document for a resource URL.
func (d Discoverer) ProtectedResource(ctx context.Context, resourceURL string) (*ResourceMetadata, error) {
	prmURL, err := ProtectedResourceURL(resourceURL)
	if err != nil {
		return nil, err
	}
	return d.fetchResourceMetadata(ctx, prmURL)
}

func (d Discoverer) fetchResourceMetadata(ctx context.Context, prmURL string) (*ResourceMetadata, error) {
	var meta ResourceMetadata
	if err := d.getJSON(ctx, prmURL, &meta); err != nil {
		return nil, err
	}
	if len(meta.AuthorizationServers) == 0 {
		return nil, errors.New("resource metadata has no authorization_servers")
	}
	return &meta, nil
}

// AuthorizationServer fetches issuer metadata, trying openid-configuration
// before the RFC 8414 paths.
func (d Discoverer) AuthorizationServer(ctx context.Context, issuer string) (*AuthorizationServerMetadata, error) {
	var lastErr error
	for _, candidate := range metadataURLs(issuer) {
		var meta AuthorizationServerMetadata
		if err := d.getJSON(ctx, candidate, &meta); err != nil {
			lastErr = err
			continue
		}
		if meta.TokenEndpoint == "" {
			lastErr = fmt.Errorf("%s: missing token_endpoint", candidate)
			continue
		}
		return &meta, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no metadata URL to try")
	}
	return nil, fmt.Errorf("authorization server discovery for %s: %w", issuer, lastErr)
}

// metadataURLs lists discovery URLs for an issuer in the order they are tried.
func metadataURLs(issuer string) []string {
	trimmed := strings.TrimSuffix(issuer, "/")
	urls := []string{trimmed + openIDConfigPath}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return append(urls, trimmed+authServerPath)
	}
	base := u.Scheme + "://" + u.Host
	if p := strings.Trim(u.Path, "/"); p != "" {
		urls = append(urls,
			base+authServerPath+"/"+p,
			base+"/"+p+authServerPath,
		)
	}
	return append(urls, base+authServerPath)
}

// Discover resolves authorization server metadata for an MCP server URL:
// PRM first, then the server's own origin as issuer.
func (d Discoverer) Discover(ctx context.Context, serverURL string) (*AuthorizationServerMetadata, error) {
	prm, prmErr := d.ProtectedResource(ctx, serverURL)
	if prmErr == nil {
		return d.AuthorizationServer(ctx, prm.AuthorizationServers[0])
	}
	meta, err := d.AuthorizationServer(ctx, serverURL)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("protected resource metadata: %w", prmErr), err)
	}
	return meta, nil
}

// DiscoverFromChallenge follows the resource_metadata URL of a 401 challenge.
func (d Discoverer) DiscoverFromChallenge(ctx context.Context, challenge *BearerChallenge) (*AuthorizationServerMetadata, error) {
	if challenge == nil || challenge.ResourceMetadata == "" {
		return nil, errors.New("no resource_metadata in challenge")
	}
	prm, err := d.fetchResourceMetadata(ctx, challenge.ResourceMetadata)
	if err != nil {
		return nil, fmt.Errorf("fetch resource metadata: %w", err)
	}
	return d.AuthorizationServer(ctx, prm.AuthorizationServers[0])
}

// TokenEndpoint resolves the token endpoint for a protected resource.
func (d Discoverer) TokenEndpoint(ctx context.Context, resourceURL string) (string, error) {
	prm, err := d.ProtectedResource(ctx, resourceURL)
	if err != nil {
		return "", err
	}
	meta, err := d.AuthorizationServer(ctx, prm.AuthorizationServers[0])
	if err != nil {
		return "", err
	}
	return meta.TokenEndpoint, nil
}

func (d Discoverer) getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", discoveryProtocolVersion)

	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("GET %s: HTTP %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", target, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse %s: %w", target, err)
	}
	return nil
}
