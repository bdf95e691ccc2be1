package host

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/Bigsy/mcpbridge/internal/config"
)

// Authorizer gates the host's /mcp endpoint.
type Authorizer struct {
	mode   config.AuthMode
	token  string
	tokens *AuthServer
}

// NewAuthorizer creates an authorizer. token is the static bearer token and
// tokens validates OAuth access tokens; either may be empty when mode does
// not need it.
func NewAuthorizer(mode config.AuthMode, token string, tokens *AuthServer) *Authorizer {
	return &Authorizer{mode: mode, token: token, tokens: tokens}
}

// Mode returns the configured auth mode.
func (a *Authorizer) Mode() config.AuthMode { return a.mode }

// IsAuthorized reports whether r carries acceptable credentials.
func (a *Authorizer) IsAuthorized(r *http.Request) bool {
	if a.mode == config.AuthModeNone {
		return true
	}
	presented, ok := bearerToken(r)
	if !ok {
		return false
	}
	switch a.mode {
	case config.AuthModeBearerOnly:
		return a.matchesStatic(presented)
	case config.AuthModeOAuthOnly:
		return a.validOAuth(presented)
	case config.AuthModeOAuthOrBearer:
		return a.matchesStatic(presented) || a.validOAuth(presented)
	}
	return false
}

func (a *Authorizer) matchesStatic(presented string) bool {
	if a.token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) == 1
}

func (a *Authorizer) validOAuth(presented string) bool {
	if a.tokens == nil {
		return false
	}
	_, err := a.tokens.ValidateAccessToken(presented)
	return err == nil
}

// usesOAuth reports whether the OAuth endpoints should be served.
func (a *Authorizer) usesOAuth() bool {
	return a.mode == config.AuthModeOAuthOnly || a.mode == config.AuthModeOAuthOrBearer
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// challenge writes the 401 response pointing clients at the resource
// metadata.
func (a *Authorizer) challenge(w http.ResponseWriter, resourceMetadata string) {
	value := `Bearer realm="mcpbridge"`
	if resourceMetadata != "" {
		value += fmt.Sprintf(`, resource_metadata="%s"`, resourceMetadata)
	}
	value += fmt.Sprintf(`, scope="%s"`, Scope)
	w.Header().Set("WWW-Authenticate", value)
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "unauthorized",
		"error_description": "Bearer token is missing, invalid or expired",
	})
}
