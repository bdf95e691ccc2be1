package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freezeNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestToken_Expiry(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	freezeNow(t, base)

	tests := []struct {
		name      string
		expiresAt int64
		expired   bool
		soon      bool
	}{
		{"never expires", 0, false, false},
		{"negative never expires", -1, false, false},
		{"far future", base.Add(time.Hour).Unix(), false, false},
		{"within skew", base.Add(30 * time.Second).Unix(), false, true},
		{"exactly at skew", base.Add(60 * time.Second).Unix(), false, true},
		{"past", base.Add(-time.Second).Unix(), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := Token{AccessToken: "a", ExpiresAtEpochSeconds: tt.expiresAt}
			assert.Equal(t, tt.expired, tok.IsExpired())
			assert.Equal(t, tt.soon, tok.WillExpireSoon(RefreshSkew))
		})
	}
}

func TestToken_AuthorizationHeader(t *testing.T) {
	assert.Equal(t, "Bearer abc", Token{AccessToken: "abc"}.AuthorizationHeader())
	assert.Equal(t, "DPoP abc", Token{AccessToken: "abc", TokenType: "DPoP"}.AuthorizationHeader())
}

func TestTokenStore_RoundTrip(t *testing.T) {
	secrets := NewMemoryStore()
	store := NewTokenStore(secrets)

	_, err := store.Read("github")
	require.ErrorIs(t, err, ErrNotFound)

	want := Token{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", ExpiresAtEpochSeconds: 42}
	require.NoError(t, store.Save("github", want))

	v, err := secrets.Read("mcp.oauth.github.accessToken")
	require.NoError(t, err)
	assert.Equal(t, "at", v)
	v, err = secrets.Read("mcp.oauth.github.expiresAt")
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	got, err := store.Read("github")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, store.Clear("github"))
	_, err = store.Read("github")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = secrets.Read("mcp.oauth.github.refreshToken")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenStore_SaveDropsEmptyRefreshToken(t *testing.T) {
	secrets := NewMemoryStore()
	store := NewTokenStore(secrets)

	require.NoError(t, store.Save("p", Token{AccessToken: "a", RefreshToken: "old"}))
	require.NoError(t, store.Save("p", Token{AccessToken: "b"}))

	got, err := store.Read("p")
	require.NoError(t, err)
	assert.Equal(t, "b", got.AccessToken)
	assert.Empty(t, got.RefreshToken)
	assert.Equal(t, "Bearer", got.TokenType)
}
