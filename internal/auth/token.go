// Package auth obtains, caches and refreshes the bearer token used to call
// the remote agent API.
package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Token is a bearer token together with its lifetime.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	IssuedAt     time.Time
	// ExpiresAt already has the safety margin subtracted.
	ExpiresAt time.Time
}

// ExpiresWithin reports whether the token expires within d of now.
func (t *Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	return t.ExpiresAt.Sub(now) <= d
}

// Expired reports whether now is at or past ExpiresAt.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// OAuth2 converts the token for use with golang.org/x/oauth2 helpers.
func (t *Token) OAuth2() *oauth2.Token {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    tokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}

// TokenStore holds at most one token.
type TokenStore interface {
	Load() *Token
	Save(tok *Token)
	Clear()
}

// MemoryStore is a process-local TokenStore. Last write wins.
type MemoryStore struct {
	mu  sync.RWMutex
	tok *Token
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the cached token, or nil.
func (s *MemoryStore) Load() *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tok == nil {
		return nil
	}
	cp := *s.tok
	return &cp
}

// Save overwrites the cached token.
func (s *MemoryStore) Save(tok *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok == nil {
		s.tok = nil
		return
	}
	cp := *tok
	s.tok = &cp
}

// Clear empties the store.
func (s *MemoryStore) Clear() {
	s.Save(nil)
}

// JWTExpiry reads the exp claim of a JWT-shaped token without verifying its
// signature. ok is false when the token cannot be decoded or carries no exp;
// callers treat that as "not expired".
func JWTExpiry(raw string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	numeric, err := claims.GetExpirationTime()
	if err != nil || numeric == nil {
		return time.Time{}, false
	}
	return numeric.Time, true
}
