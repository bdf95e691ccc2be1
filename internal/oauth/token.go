package oauth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Token is a stored OAuth access token.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiresAtEpochSeconds <= 0 means the token never expires.
	ExpiresAtEpochSeconds int64
}

// now is swapped in tests.
var now = time.Now

// IsExpired reports whether the expiry has passed.
func (t Token) IsExpired() bool {
	return t.ExpiresAtEpochSeconds > 0 && now().Unix() >= t.ExpiresAtEpochSeconds
}

// WillExpireSoon reports whether the token expires within skew.
func (t Token) WillExpireSoon(skew time.Duration) bool {
	if t.ExpiresAtEpochSeconds <= 0 {
		return false
	}
	return now().Add(skew).Unix() >= t.ExpiresAtEpochSeconds
}

// Type returns TokenType, or "Bearer" when blank.
func (t Token) Type() string {
	if t.TokenType == "" {
		return "Bearer"
	}
	return t.TokenType
}

// AuthorizationHeader returns the value for the Authorization header.
func (t Token) AuthorizationHeader() string {
	return t.Type() + " " + t.AccessToken
}

// defaultExpiresIn applies when a token response carries no expires_in.
const defaultExpiresIn = time.Hour

func tokenFromOAuth2(tok *oauth2.Token, previousRefresh string) Token {
	out := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = previousRefresh
	}
	if out.TokenType == "" {
		out.TokenType = "Bearer"
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = now().Add(defaultExpiresIn)
	}
	out.ExpiresAtEpochSeconds = expiry.Unix()
	return out
}

// TokenStore persists tokens per profile in a SecretStore under
// mcp.oauth.<profile>.{accessToken,refreshToken,tokenType,expiresAt}.
type TokenStore struct {
	secrets SecretStore
}

func NewTokenStore(secrets SecretStore) *TokenStore {
	return &TokenStore{secrets: secrets}
}

func tokenKey(profile, field string) string {
	return "mcp.oauth." + profile + "." + field
}

// Read returns ErrNotFound when no access token is stored for the profile.
func (s *TokenStore) Read(profile string) (Token, error) {
	access, err := s.secrets.Read(tokenKey(profile, "accessToken"))
	if err != nil {
		return Token{}, err
	}
	if access == "" {
		return Token{}, ErrNotFound
	}

	tok := Token{AccessToken: access}
	if tok.RefreshToken, err = s.optional(profile, "refreshToken"); err != nil {
		return Token{}, err
	}
	if tok.TokenType, err = s.optional(profile, "tokenType"); err != nil {
		return Token{}, err
	}
	exp, err := s.optional(profile, "expiresAt")
	if err != nil {
		return Token{}, err
	}
	if exp != "" {
		if tok.ExpiresAtEpochSeconds, err = strconv.ParseInt(exp, 10, 64); err != nil {
			return Token{}, fmt.Errorf("parse expiresAt for %s: %w", profile, err)
		}
	}
	return tok, nil
}

func (s *TokenStore) optional(profile, field string) (string, error) {
	v, err := s.secrets.Read(tokenKey(profile, field))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *TokenStore) Save(profile string, tok Token) error {
	fields := map[string]string{
		"accessToken":  tok.AccessToken,
		"refreshToken": tok.RefreshToken,
		"tokenType":    tok.Type(),
		"expiresAt":    strconv.FormatInt(tok.ExpiresAtEpochSeconds, 10),
	}
	for field, v := range fields {
		if v == "" {
			if err := s.secrets.Remove(tokenKey(profile, field)); err != nil {
				return err
			}
			continue
		}
		if err := s.secrets.Store(tokenKey(profile, field), v); err != nil {
			return fmt.Errorf("store %s for %s: %w", field, profile, err)
		}
	}
	return nil
}

// Clear removes every stored field for the profile.
func (s *TokenStore) Clear(profile string) error {
	var errs []error
	for _, field := range []string{"accessToken", "refreshToken", "tokenType", "expiresAt"} {
		errs = append(errs, s.secrets.Remove(tokenKey(profile, field)))
	}
	return errors.Join(errs...)
}
