package host

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/oauth"
)

// Lifetimes of the artifacts issued by the authorization server.
const (
	CodeTTL         = 5 * time.Minute
	AccessTokenTTL  = 60 * time.Minute
	RefreshTokenTTL = 30 * 24 * time.Hour

	// Scope is the only scope the host grants.
	Scope = "mcp"

	clientIDPrefix = "mcb_"
	maxFormBytes   = 64 << 10
)

// OAuth endpoint paths served by AuthServer.
const (
	PathProtectedResource = "/.well-known/oauth-protected-resource"
	PathOpenIDConfig      = "/.well-known/openid-configuration"
	PathAuthServerMeta    = "/.well-known/oauth-authorization-server"
	PathRegister          = "/oauth/register"
	PathAuthorize         = "/oauth/authorize"
	PathToken             = "/oauth/token"
)

var errInvalidToken = errors.New("invalid access token")

// IssuerURL builds the issuer for a bind address. Wildcard binds are
// advertised as loopback and IPv6 hosts are bracketed.
func IssuerURL(bind string, port int) string {
	host := strings.Trim(bind, "[]")
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// AccessClaims are the claims carried by host access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
}

type registeredClient struct {
	ID           string
	Secret       string
	RedirectURIs []string
	AuthMethod   string
	IssuedAt     time.Time
}

func (c *registeredClient) allowsRedirect(uri string) bool {
	for _, r := range c.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

type authCode struct {
	ClientID    string
	RedirectURI string
	Challenge   string
	Scope       string
	ExpiresAt   time.Time
}

type refreshGrant struct {
	ClientID  string
	Scope     string
	ExpiresAt time.Time
}

// AuthServerOptions configures an AuthServer.
type AuthServerOptions struct {
	Issuer string
	// Secret signs access tokens. A random key is drawn when empty.
	Secret []byte
	Now    func() time.Time
	Logger *slog.Logger
}

// AuthServer is a minimal OAuth 2.1 authorization server for the host:
// dynamic client registration, authorization code with S256 PKCE, and
// rotating refresh tokens. State is in memory and expires lazily.
type AuthServer struct {
	issuer string
	secret []byte
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*registeredClient
	codes   map[string]*authCode
	refresh map[string]*refreshGrant
	issued  map[string]time.Time // access token jti -> expiry
}

// NewAuthServer creates an authorization server for opts.Issuer.
func NewAuthServer(opts AuthServerOptions) (*AuthServer, error) {
	secret := opts.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &AuthServer{
		issuer:  strings.TrimRight(opts.Issuer, "/"),
		secret:  secret,
		now:     now,
		logger:  log.WithComponent(opts.Logger, "host-oauth"),
		clients: make(map[string]*registeredClient),
		codes:   make(map[string]*authCode),
		refresh: make(map[string]*refreshGrant),
		issued:  make(map[string]time.Time),
	}, nil
}

// Issuer returns the issuer URL.
func (a *AuthServer) Issuer() string { return a.issuer }

// ResourceURL is the protected resource these tokens are for.
func (a *AuthServer) ResourceURL() string { return a.issuer + "/mcp" }

// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
func (a *AuthServer) ResourceMetadataURL() string { return a.issuer + PathProtectedResource }

// Routes registers the OAuth endpoints on mux.
func (a *AuthServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc(PathProtectedResource, a.handleResourceMetadata)
	mux.HandleFunc(PathProtectedResource+"/mcp", a.handleResourceMetadata)
	mux.HandleFunc(PathOpenIDConfig, a.handleServerMetadata)
	mux.HandleFunc(PathAuthServerMeta, a.handleServerMetadata)
	mux.HandleFunc(PathRegister, a.handleRegister)
	mux.HandleFunc(PathAuthorize, a.handleAuthorize)
	mux.HandleFunc(PathToken, a.handleToken)
}

type serverMetadata struct {
	oauth.AuthorizationServerMetadata
	ResponseTypesSupported []string `json:"response_types_supported"`
}

func (a *AuthServer) metadata() serverMetadata {
	return serverMetadata{
		AuthorizationServerMetadata: oauth.AuthorizationServerMetadata{
			Issuer:                        a.issuer,
			AuthorizationEndpoint:         a.issuer + PathAuthorize,
			TokenEndpoint:                 a.issuer + PathToken,
			RegistrationEndpoint:          a.issuer + PathRegister,
			ScopesSupported:               []string{Scope},
			CodeChallengeMethodsSupported: []string{"S256"},
			GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
			TokenEndpointAuthMethods:      []string{"none", "client_secret_post"},
		},
		ResponseTypesSupported: []string{"code"},
	}
}

func (a *AuthServer) handleServerMetadata(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	writeJSON(w, http.StatusOK, a.metadata())
}

func (a *AuthServer) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	writeJSON(w, http.StatusOK, oauth.ResourceMetadata{
		Resource:               a.ResourceURL(),
		AuthorizationServers:   []string{a.issuer},
		ScopesSupported:        []string{Scope},
		BearerMethodsSupported: []string{"header"},
	})
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name,omitempty"`
}

func (a *AuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	noStore(w)

	var req oauth.ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes)).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "Malformed registration request")
		return
	}
	if err := validateRedirectURIs(req.RedirectURIs); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", err.Error())
		return
	}

	method := req.TokenEndpointAuthMethod
	switch method {
	case "":
		method = "none"
	case "none", "client_secret_post":
	default:
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "Unsupported token_endpoint_auth_method: "+method)
		return
	}

	client, err := a.register(req.RedirectURIs, method)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	a.logger.Info("registered OAuth client", "clientId", client.ID, "clientName", req.ClientName)

	writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                client.ID,
		ClientSecret:            client.Secret,
		ClientIDIssuedAt:        client.IssuedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.AuthMethod,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              req.ClientName,
	})
}

func validateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return errors.New("redirect_uris is required")
	}
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("invalid redirect_uri: %s", raw)
		}
		if strings.EqualFold(u.Scheme, "javascript") {
			return fmt.Errorf("redirect_uri scheme not allowed: %s", raw)
		}
	}
	return nil
}

func (a *AuthServer) register(redirects []string, method string) (*registeredClient, error) {
	id, err := randomHex(12)
	if err != nil {
		return nil, err
	}
	client := &registeredClient{
		ID:           clientIDPrefix + id,
		RedirectURIs: append([]string(nil), redirects...),
		AuthMethod:   method,
		IssuedAt:     a.now(),
	}
	if method == "client_secret_post" {
		if client.Secret, err = randomHex(32); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	a.clients[client.ID] = client
	a.mu.Unlock()
	return client, nil
}

func (a *AuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "Malformed authorization request")
		return
	}
	q := r.Form
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if clientID == "" || redirectURI == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "client_id and redirect_uri are required")
		return
	}
	if err := validateRedirectURIs([]string{redirectURI}); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	a.mu.Lock()
	client, known := a.clients[clientID]
	if !known {
		// Clients that skipped registration are accepted as public clients
		// bound to the first redirect they present.
		client = &registeredClient{ID: clientID, RedirectURIs: []string{redirectURI}, AuthMethod: "none", IssuedAt: a.now()}
		a.clients[clientID] = client
	}
	a.mu.Unlock()
	if !known {
		a.logger.Info("auto-registered OAuth client", "clientId", clientID)
	}
	if !client.allowsRedirect(redirectURI) {
		oauthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}

	fail := func(code, desc string) {
		redirectWith(w, r, redirectURI, url.Values{"error": {code}, "error_description": {desc}, "state": {state}, "iss": {a.issuer}})
	}
	if q.Get("response_type") != "code" {
		fail("unsupported_response_type", "Only response_type=code is supported")
		return
	}
	challenge := q.Get("code_challenge")
	if challenge == "" || q.Get("code_challenge_method") != "S256" {
		fail("invalid_request", "PKCE with code_challenge_method=S256 is required")
		return
	}
	scope := strings.TrimSpace(q.Get("scope"))
	if !hasScope(scope, Scope) {
		fail("invalid_scope", "scope must include "+Scope)
		return
	}

	code, err := randomHex(24)
	if err != nil {
		fail("server_error", "failed to issue code")
		return
	}
	a.mu.Lock()
	a.pruneLocked()
	a.codes[code] = &authCode{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Challenge:   challenge,
		Scope:       scope,
		ExpiresAt:   a.now().Add(CodeTTL),
	}
	a.mu.Unlock()

	params := url.Values{"code": {code}, "iss": {a.issuer}}
	if state != "" {
		params.Set("state", state)
	}
	redirectWith(w, r, redirectURI, params)
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

func redirectWith(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	u, _ := url.Parse(target)
	q := u.Query()
	for k, vs := range params {
		if len(vs) > 0 && vs[0] != "" {
			q.Set(k, vs[0])
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// tokenResponse is the RFC 6749 token response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (a *AuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	noStore(w)
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "Malformed token request")
		return
	}

	var (
		resp *tokenResponse
		err  error
	)
	switch grant := r.PostForm.Get("grant_type"); grant {
	case "authorization_code":
		resp, err = a.exchangeCode(r.PostForm)
	case "refresh_token":
		resp, err = a.exchangeRefresh(r.PostForm)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant_type: "+grant)
		return
	}
	if err != nil {
		var gerr *grantError
		if errors.As(err, &gerr) {
			oauthError(w, http.StatusBadRequest, gerr.code, gerr.desc)
			return
		}
		oauthError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type grantError struct {
	code string
	desc string
}

func (e *grantError) Error() string { return e.code + ": " + e.desc }

func invalidGrant(desc string) error { return &grantError{code: "invalid_grant", desc: desc} }

func (a *AuthServer) exchangeCode(form url.Values) (*tokenResponse, error) {
	code := form.Get("code")
	verifier := form.Get("code_verifier")
	if code == "" || verifier == "" {
		return nil, &grantError{code: "invalid_request", desc: "code and code_verifier are required"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()

	ac, ok := a.codes[code]
	delete(a.codes, code)
	if !ok {
		return nil, invalidGrant("Authorization code is invalid or expired")
	}
	if form.Get("client_id") != ac.ClientID {
		return nil, invalidGrant("client_id does not match the authorization code")
	}
	if form.Get("redirect_uri") != ac.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization code")
	}
	if subtle.ConstantTimeCompare([]byte(oauth.S256Challenge(verifier)), []byte(ac.Challenge)) != 1 {
		return nil, invalidGrant("PKCE verification failed")
	}
	if err := a.authenticateClientLocked(ac.ClientID, form.Get("client_secret")); err != nil {
		return nil, err
	}
	return a.issueLocked(ac.ClientID, ac.Scope)
}

func (a *AuthServer) exchangeRefresh(form url.Values) (*tokenResponse, error) {
	token := form.Get("refresh_token")
	if token == "" {
		return nil, &grantError{code: "invalid_request", desc: "refresh_token is required"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()

	grant, ok := a.refresh[token]
	delete(a.refresh, token)
	if !ok {
		return nil, invalidGrant("Refresh token is invalid or expired")
	}
	if id := form.Get("client_id"); id != "" && id != grant.ClientID {
		return nil, invalidGrant("client_id does not match the refresh token")
	}
	if err := a.authenticateClientLocked(grant.ClientID, form.Get("client_secret")); err != nil {
		return nil, err
	}
	return a.issueLocked(grant.ClientID, grant.Scope)
}

func (a *AuthServer) authenticateClientLocked(clientID, secret string) error {
	client, ok := a.clients[clientID]
	if !ok || client.Secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(secret)) != 1 {
		return &grantError{code: "invalid_client", desc: "Client authentication failed"}
	}
	return nil
}

func (a *AuthServer) issueLocked(clientID, scope string) (*tokenResponse, error) {
	now := a.now()
	jti := uuid.NewString()
	exp := now.Add(AccessTokenTTL)

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{a.ResourceURL()},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		Scope:    scope,
		ClientID: clientID,
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	a.issued[jti] = exp
	a.refresh[refresh] = &refreshGrant{ClientID: clientID, Scope: scope, ExpiresAt: now.Add(RefreshTokenTTL)}

	return &tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(AccessTokenTTL / time.Second),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

// ValidateAccessToken verifies signature, issuer, audience and expiry, and
// that the token was issued by this server instance.
func (a *AuthServer) ValidateAccessToken(raw string) (*AccessClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.ResourceURL()),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	claims := &AccessClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !hasScope(claims.Scope, Scope) {
		return nil, fmt.Errorf("%w: missing scope %s", errInvalidToken, Scope)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	if _, ok := a.issued[claims.ID]; !ok {
		return nil, fmt.Errorf("%w: unknown token id", errInvalidToken)
	}
	return claims, nil
}

// pruneLocked drops expired codes, refresh tokens and access token ids.
func (a *AuthServer) pruneLocked() {
	now := a.now()
	for k, c := range a.codes {
		if now.After(c.ExpiresAt) {
			delete(a.codes, k)
		}
	}
	for k, g := range a.refresh {
		if now.After(g.ExpiresAt) {
			delete(a.refresh, k)
		}
	}
	for k, exp := range a.issued {
		if now.After(exp) {
			delete(a.issued, k)
		}
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}
