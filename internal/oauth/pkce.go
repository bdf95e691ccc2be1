package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCE is an S256 code verifier and its challenge.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE draws a 32-byte verifier, base64url without padding.
func NewPKCE() (*PKCE, error) {
	verifier, err := randomURLString(32)
	if err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	return &PKCE{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
		Method:    "S256",
	}, nil
}

// S256Challenge is BASE64URL(SHA256(verifier)).
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState returns a random state parameter.
func GenerateState() (string, error) {
	return randomURLString(16)
}

func randomURLString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
