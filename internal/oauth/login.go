package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/Bigsy/mcpbridge/internal/log"
)

// DefaultLoginTimeout bounds the wait for the browser redirect.
const DefaultLoginTimeout = 5 * time.Minute

// LoginConfig configures an interactive authorization code + PKCE login.
type LoginConfig struct {
	ServerURL string
	Profile   string
	// ClientID skips dynamic registration when set.
	ClientID     string
	Scopes       []string
	CallbackPort int
	Tokens       *TokenStore
	HTTPClient   *http.Client
	// OpenBrowser is called with the authorization URL; may be nil.
	OpenBrowser func(url string) error
	// Out receives the authorization URL for manual copy.
	Out     io.Writer
	Timeout time.Duration
	Logger  *slog.Logger
}

// Login discovers the authorization server, registers a client if it can,
// waits for the loopback redirect and stores the exchanged token.
func Login(ctx context.Context, cfg LoginConfig) (Token, error) {
	logger := log.WithComponent(log.OrDiscard(cfg.Logger), "oauth")
	if cfg.Tokens == nil {
		return Token{}, errors.New("login: token store is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLoginTimeout
	}

	meta, err := Discoverer{Client: cfg.HTTPClient}.Discover(ctx, cfg.ServerURL)
	if err != nil {
		return Token{}, fmt.Errorf("oauth discovery: %w", err)
	}
	if meta.AuthorizationEndpoint == "" {
		return Token{}, errors.New("authorization server has no authorization_endpoint")
	}
	if !meta.SupportsS256() {
		return Token{}, errors.New("authorization server does not support S256 PKCE")
	}

	callback, err := NewCallbackServer(cfg.CallbackPort)
	if err != nil {
		return Token{}, fmt.Errorf("start callback server: %w", err)
	}
	defer func() { _ = callback.Stop() }()
	redirectURI := callback.RedirectURI()

	clientID, clientSecret := cfg.ClientID, ""
	if clientID == "" && meta.RegistrationEndpoint != "" {
		reg, err := RegisterClient(ctx, cfg.HTTPClient, meta.RegistrationEndpoint, redirectURI, cfg.Scopes)
		if err != nil {
			logger.Warn("client registration failed, using default client id", "error", err)
		} else {
			clientID, clientSecret = reg.ClientID, reg.ClientSecret
		}
	}
	if clientID == "" {
		clientID = DefaultClientID
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	pkce, err := NewPKCE()
	if err != nil {
		return Token{}, err
	}
	state, err := GenerateState()
	if err != nil {
		return Token{}, fmt.Errorf("generate state: %w", err)
	}

	authURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(pkce.Verifier))
	if cfg.Out != nil {
		_, _ = fmt.Fprintf(cfg.Out, "Open this URL to authorize %s:\n\n  %s\n\n", cfg.Profile, authURL)
	}
	if cfg.OpenBrowser != nil {
		if err := cfg.OpenBrowser(authURL); err != nil {
			logger.Warn("could not open browser", "error", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	result, err := callback.Wait(waitCtx)
	if err != nil {
		return Token{}, fmt.Errorf("waiting for callback: %w", err)
	}
	if result.Error != "" {
		return Token{}, fmt.Errorf("authorization error: %s %s", result.Error, result.ErrorDescription)
	}
	if result.State != state {
		return Token{}, errors.New("state mismatch in authorization callback")
	}
	if result.Code == "" {
		return Token{}, errors.New("no authorization code received")
	}

	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	exchanged, err := conf.Exchange(ctx, result.Code, oauth2.VerifierOption(pkce.Verifier))
	if err != nil {
		return Token{}, fmt.Errorf("token exchange: %w", err)
	}

	tok := tokenFromOAuth2(exchanged, "")
	if err := cfg.Tokens.Save(cfg.Profile, tok); err != nil {
		return Token{}, fmt.Errorf("store token: %w", err)
	}
	logger.Info("oauth login complete", "profile", cfg.Profile, "clientId", clientID)
	return tok, nil
}
