package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

func TestJWTExpiry(t *testing.T) {
	t.Parallel()

	exp := time.Date(2030, 5, 6, 7, 8, 9, 0, time.UTC)
	got, ok := JWTExpiry(signedJWT(t, jwt.MapClaims{"sub": "svc", "exp": exp.Unix()}))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))
}

func TestJWTExpiryFailsOpen(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"",
		"not-a-jwt",
		"aaa.bbb.ccc",
		signedJWT(t, jwt.MapClaims{"sub": "no-exp"}),
	} {
		_, ok := JWTExpiry(raw)
		assert.False(t, ok, "token %q", raw)
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	assert.Nil(t, s.Load())

	tok := &Token{AccessToken: "a"}
	s.Save(tok)
	tok.AccessToken = "mutated"

	loaded := s.Load()
	require.NotNil(t, loaded)
	assert.Equal(t, "a", loaded.AccessToken)

	s.Clear()
	assert.Nil(t, s.Load())
}

func TestTokenOAuth2SetsBearerHeader(t *testing.T) {
	t.Parallel()

	tok := &Token{AccessToken: "abc", ExpiresAt: time.Now().Add(time.Hour)}
	o := tok.OAuth2()
	assert.Equal(t, "Bearer", o.Type())
	assert.Equal(t, "abc", o.AccessToken)
}

func TestExpiresWithin(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tok := &Token{IssuedAt: now, ExpiresAt: now.Add(301 * time.Second)}
	assert.False(t, tok.ExpiresWithin(now, 300*time.Second))
	assert.True(t, tok.ExpiresWithin(now.Add(time.Second), 300*time.Second))
	assert.False(t, tok.Expired(now))
	assert.True(t, tok.Expired(now.Add(301*time.Second)))
}
