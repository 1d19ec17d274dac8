package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchanger struct {
	mu         sync.Mutex
	now        func() time.Time
	logins     atomic.Int32
	refreshes  atomic.Int32
	loginErr   error
	refreshErr error
	lifetime   time.Duration
	gate       chan struct{} // when set, Login blocks until closed
}

func (f *fakeExchanger) issue(prefix string, n int32) *Token {
	now := f.now()
	lifetime := f.lifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}
	return &Token{
		AccessToken:  prefix + string(rune('0'+n)),
		RefreshToken: "rt-" + prefix + string(rune('0'+n)),
		IssuedAt:     now,
		ExpiresAt:    now.Add(lifetime),
	}
}

func (f *fakeExchanger) Login(context.Context, string, string) (*Token, error) {
	n := f.logins.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.issue("login-", n), nil
}

func (f *fakeExchanger) Refresh(context.Context, string) (*Token, error) {
	n := f.refreshes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.issue("refresh-", n), nil
}

func (f *fakeExchanger) calls() int32 {
	return f.logins.Load() + f.refreshes.Load()
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestSupplier(t *testing.T, creds Credentials) (*Supplier, *fakeExchanger, *clock, *MemoryStore) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ex := &fakeExchanger{now: clk.Now}
	store := NewMemoryStore()
	s := NewSupplier(ex, creds, WithStore(store), WithClock(clk.Now))
	return s, ex, clk, store
}

var passwordCreds = Credentials{Username: "alice", Password: "pw"}

func TestValidTokenCacheHitMakesNoCalls(t *testing.T) {
	t.Parallel()

	s, ex, clk, store := newTestSupplier(t, passwordCreds)
	store.Save(&Token{AccessToken: "cached", IssuedAt: clk.Now(), ExpiresAt: clk.Now().Add(301 * time.Second)})

	for range 5 {
		tok, err := s.ValidToken(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "cached", tok.AccessToken)
	}
	assert.Zero(t, ex.calls())
}

func TestValidTokenExpiringSoonMakesOneCall(t *testing.T) {
	t.Parallel()

	for _, remaining := range []time.Duration{300 * time.Second, 10 * time.Second, -time.Minute} {
		s, ex, clk, store := newTestSupplier(t, passwordCreds)
		store.Save(&Token{AccessToken: "old", IssuedAt: clk.Now().Add(-time.Hour), ExpiresAt: clk.Now().Add(remaining)})

		tok, err := s.ValidToken(context.Background(), false)
		require.NoError(t, err)
		assert.NotEqual(t, "old", tok.AccessToken)
		assert.EqualValues(t, 1, ex.calls(), "remaining=%s", remaining)
	}
}

func TestValidTokenEmptyCacheLogsIn(t *testing.T) {
	t.Parallel()

	s, ex, _, store := newTestSupplier(t, passwordCreds)

	tok, err := s.ValidToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok.AccessToken)
	assert.EqualValues(t, 1, ex.logins.Load())
	assert.Zero(t, ex.refreshes.Load())
	assert.Equal(t, "login-1", store.Load().AccessToken)

	_, err = s.ValidToken(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ex.calls())
}

func TestValidTokenPrefersRefreshGrant(t *testing.T) {
	t.Parallel()

	s, ex, clk, store := newTestSupplier(t, passwordCreds)
	store.Save(&Token{AccessToken: "old", RefreshToken: "rt", IssuedAt: clk.Now().Add(-time.Hour), ExpiresAt: clk.Now().Add(time.Minute)})

	tok, err := s.ValidToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", tok.AccessToken)
	assert.Zero(t, ex.logins.Load())
}

func TestValidTokenRefreshFailureFallsBackToLogin(t *testing.T) {
	t.Parallel()

	s, ex, clk, store := newTestSupplier(t, passwordCreds)
	ex.refreshErr = &AuthError{Status: 400, Body: `{"error":"invalid_grant"}`, Reason: "rejected"}
	store.Save(&Token{AccessToken: "old", RefreshToken: "rt", IssuedAt: clk.Now().Add(-time.Hour), ExpiresAt: clk.Now().Add(time.Minute)})

	tok, err := s.ValidToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok.AccessToken)
	assert.EqualValues(t, 1, ex.refreshes.Load())
	assert.EqualValues(t, 1, ex.logins.Load())
}

func TestValidTokenSkipsRefreshPastGrace(t *testing.T) {
	t.Parallel()

	s, ex, clk, store := newTestSupplier(t, passwordCreds)
	store.Save(&Token{AccessToken: "old", RefreshToken: "rt", IssuedAt: clk.Now().Add(-2 * time.Hour), ExpiresAt: clk.Now().Add(-time.Hour)})

	_, err := s.ValidToken(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, ex.refreshes.Load())
	assert.EqualValues(t, 1, ex.logins.Load())
}

func TestValidTokenDegradedServesLastKnown(t *testing.T) {
	t.Parallel()

	s, ex, clk, store := newTestSupplier(t, passwordCreds)
	ex.loginErr = &AuthError{Status: 503, Body: "down", Reason: "rejected"}
	store.Save(&Token{AccessToken: "old", IssuedAt: clk.Now().Add(-time.Hour), ExpiresAt: clk.Now().Add(time.Minute)})

	tok, err := s.ValidToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "old", tok.AccessToken)
}

func TestValidTokenForcedFailureReturnsAuthError(t *testing.T) {
	t.Parallel()

	s, ex, clk, store := newTestSupplier(t, passwordCreds)
	ex.loginErr = &AuthError{Status: 401, Body: `{"error":"invalid_grant"}`, Reason: "rejected"}
	store.Save(&Token{AccessToken: "old", IssuedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)})

	_, err := s.ValidToken(context.Background(), true)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, `{"error":"invalid_grant"}`, authErr.Body)
	assert.Nil(t, store.Load())
}

func TestValidTokenForceIgnoresCache(t *testing.T) {
	t.Parallel()

	s, ex, clk, store := newTestSupplier(t, passwordCreds)
	store.Save(&Token{AccessToken: "cached", IssuedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour)})

	tok, err := s.ValidToken(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok.AccessToken)
	assert.EqualValues(t, 1, ex.calls())
}

func TestValidTokenCoalescesConcurrentLogins(t *testing.T) {
	t.Parallel()

	s, ex, _, _ := newTestSupplier(t, passwordCreds)
	ex.gate = make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := s.ValidToken(context.Background(), false)
			if assert.NoError(t, err) {
				results[i] = tok.AccessToken
			}
		}(i)
	}

	require.Eventually(t, func() bool { return ex.logins.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ex.gate)
	wg.Wait()

	assert.EqualValues(t, 1, ex.logins.Load())
	for _, r := range results {
		assert.Equal(t, "login-1", r)
	}
}

func TestValidTokenNoCredentials(t *testing.T) {
	t.Parallel()

	s := NewSupplier(nil, Credentials{})
	_, err := s.ValidToken(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestValidTokenStaticToken(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw := signedJWT(t, jwt.MapClaims{"exp": now.Add(2 * time.Hour).Unix()})
	s := NewSupplier(nil, Credentials{StaticToken: raw}, WithClock(func() time.Time { return now }))

	tok, err := s.ValidToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, raw, tok.AccessToken)
	assert.True(t, tok.ExpiresAt.Equal(now.Add(2*time.Hour)))

	_, err = s.ValidToken(context.Background(), true)
	assert.ErrorIs(t, err, ErrStaticTokenRejected)
}

func TestValidTokenStaticTokenExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw := signedJWT(t, jwt.MapClaims{"exp": now.Add(-time.Minute).Unix()})
	s := NewSupplier(nil, Credentials{StaticToken: raw}, WithClock(func() time.Time { return now }))

	_, err := s.ValidToken(context.Background(), false)
	var authErr *AuthError
	assert.True(t, errors.As(err, &authErr))
}

func TestValidTokenOpaqueStaticTokenFailsOpen(t *testing.T) {
	t.Parallel()

	s := NewSupplier(nil, Credentials{StaticToken: "opaque-token"})
	tok, err := s.ValidToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok.AccessToken)
	assert.True(t, tok.ExpiresAt.After(tok.IssuedAt))
}

func TestRenewReusesReplacementForLateRejections(t *testing.T) {
	t.Parallel()

	s, ex, _, _ := newTestSupplier(t, passwordCreds)

	first, err := s.ValidToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "login-1", first.AccessToken)

	renewed, err := s.Renew(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "login-2", renewed.AccessToken)

	// A second request that was sent with login-1 is rejected later.
	late, err := s.Renew(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "login-2", late.AccessToken)
	assert.EqualValues(t, 2, ex.logins.Load())

	next, err := s.Renew(context.Background(), renewed)
	require.NoError(t, err)
	assert.Equal(t, "login-3", next.AccessToken)
	assert.EqualValues(t, 3, ex.logins.Load())
}

func TestRenewSharesFlightWithNormalAcquisition(t *testing.T) {
	t.Parallel()

	s, ex, _, _ := newTestSupplier(t, passwordCreds)
	ex.gate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		tok, err := s.ValidToken(context.Background(), false)
		if assert.NoError(t, err) {
			results[0] = tok.AccessToken
		}
	}()
	require.Eventually(t, func() bool { return ex.logins.Load() == 1 }, time.Second, 5*time.Millisecond)
	go func() {
		defer wg.Done()
		tok, err := s.Renew(context.Background(), &Token{AccessToken: "stale"})
		if assert.NoError(t, err) {
			results[1] = tok.AccessToken
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(ex.gate)
	wg.Wait()

	assert.EqualValues(t, 1, ex.logins.Load())
	assert.Equal(t, []string{"login-1", "login-1"}, results)
}

func TestRenewDoesNotReturnRejectedDegradedToken(t *testing.T) {
	t.Parallel()

	s, ex, clk, store := newTestSupplier(t, passwordCreds)
	ex.loginErr = &AuthError{Status: 503, Body: "down", Reason: "rejected"}
	old := &Token{AccessToken: "old", IssuedAt: clk.Now().Add(-time.Hour), ExpiresAt: clk.Now().Add(time.Minute)}
	store.Save(old)

	_, err := s.Renew(context.Background(), old)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Nil(t, store.Load())
}
