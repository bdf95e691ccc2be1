package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/Bigsy/mcpbridge/internal/log"
)

// AuthProvider supplies per-request headers for a remote MCP server.
type AuthProvider interface {
	Headers(ctx context.Context) (map[string]string, error)
	// Invalidate drops cached credentials after the server rejected them.
	Invalidate(ctx context.Context) error
}

// NoAuth adds no headers.
type NoAuth struct{}

func (NoAuth) Headers(context.Context) (map[string]string, error) { return nil, nil }
func (NoAuth) Invalidate(context.Context) error                   { return nil }

// StaticHeaders sends a fixed header set on every request.
type StaticHeaders struct {
	headers map[string]string
}

func NewStaticHeaders(headers map[string]string) *StaticHeaders {
	return &StaticHeaders{headers: maps.Clone(headers)}
}

func (s *StaticHeaders) Headers(context.Context) (map[string]string, error) {
	return maps.Clone(s.headers), nil
}

func (s *StaticHeaders) Invalidate(context.Context) error { return nil }

const (
	// RefreshSkew is how early a token is refreshed before it expires.
	RefreshSkew = 60 * time.Second

	// DefaultClientID is used when no client id is configured or registered.
	DefaultClientID = "mcpbridge"
)

// ErrNoRefreshToken is returned by ForceRefresh when only an access token
// is stored.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// OAuth2Config configures an OAuth2Provider.
type OAuth2Config struct {
	// Profile keys the token in the TokenStore.
	Profile string
	// ResourceURL is the MCP server URL, used for discovery.
	ResourceURL string
	ClientID    string
	// TokenEndpoint skips discovery when set.
	TokenEndpoint string
	Tokens        *TokenStore
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// OAuth2Provider sends stored OAuth tokens, refreshing them shortly before
// they expire. Refresh failures are logged and the stale token is sent.
type OAuth2Provider struct {
	cfg    OAuth2Config
	logger *slog.Logger

	mu            sync.Mutex
	tokenEndpoint string
}

func NewOAuth2Provider(cfg OAuth2Config) *OAuth2Provider {
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	return &OAuth2Provider{
		cfg:           cfg,
		logger:        log.WithComponent(log.OrDiscard(cfg.Logger), "oauth"),
		tokenEndpoint: cfg.TokenEndpoint,
	}
}

func (p *OAuth2Provider) Headers(ctx context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.cfg.Tokens.Read(p.cfg.Profile)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token for %s: %w", p.cfg.Profile, err)
	}

	switch {
	case tok.WillExpireSoon(RefreshSkew) && tok.RefreshToken != "":
		refreshed, err := p.refresh(ctx, tok)
		if err != nil {
			p.logger.Warn("oauth refresh failed", "profile", p.cfg.Profile, "error", err)
		} else {
			tok = refreshed
		}
	case tok.IsExpired():
		p.logger.Warn("oauth token expired and has no refresh token; log in again", "profile", p.cfg.Profile)
	}
	return map[string]string{"Authorization": tok.AuthorizationHeader()}, nil
}

// ForceRefresh exchanges the stored refresh token regardless of expiry, for
// when the server rejected an access token that looked valid.
func (p *OAuth2Provider) ForceRefresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.cfg.Tokens.Read(p.cfg.Profile)
	if err != nil {
		return fmt.Errorf("read token for %s: %w", p.cfg.Profile, err)
	}
	if tok.RefreshToken == "" {
		return ErrNoRefreshToken
	}
	if _, err := p.refresh(ctx, tok); err != nil {
		return fmt.Errorf("refresh token for %s: %w", p.cfg.Profile, err)
	}
	return nil
}

func (p *OAuth2Provider) refresh(ctx context.Context, tok Token) (Token, error) {
	endpoint, err := p.endpoint(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("discover token endpoint: %w", err)
	}

	conf := &oauth2.Config{
		ClientID: p.cfg.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: endpoint, AuthStyle: oauth2.AuthStyleInParams},
	}
	if p.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}
	// An empty access token forces the source to hit the token endpoint.
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return Token{}, err
	}

	out := tokenFromOAuth2(fresh, tok.RefreshToken)
	if err := p.cfg.Tokens.Save(p.cfg.Profile, out); err != nil {
		p.logger.Warn("failed to persist refreshed token", "profile", p.cfg.Profile, "error", err)
	}
	p.logger.Debug("oauth token refreshed", "profile", p.cfg.Profile)
	return out, nil
}

func (p *OAuth2Provider) endpoint(ctx context.Context) (string, error) {
	if p.tokenEndpoint != "" {
		return p.tokenEndpoint, nil
	}
	d := Discoverer{Client: p.cfg.HTTPClient}
	ctx, cancel := context.WithTimeout(ctx, 2*DiscoveryTimeout)
	defer cancel()
	endpoint, err := d.TokenEndpoint(ctx, p.cfg.ResourceURL)
	if err != nil {
		return "", err
	}
	p.tokenEndpoint = endpoint
	return endpoint, nil
}

// Invalidate clears the stored token for the profile.
func (p *OAuth2Provider) Invalidate(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Info("invalidating oauth token", "profile", p.cfg.Profile)
	return p.cfg.Tokens.Clear(p.cfg.Profile)
}
