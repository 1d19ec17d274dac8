package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/agent-proxy/internal/diag"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshThreshold marks a token as expiring soon.
	DefaultRefreshThreshold = 5 * time.Minute

	// DefaultRefreshGrace is how long after ExpiresAt a refresh token is
	// still worth trying before falling back to a full login.
	DefaultRefreshGrace = 10 * time.Minute

	tokenFlight = "token"
)

// ErrNoCredentials means neither password credentials nor a static token
// are configured.
var ErrNoCredentials = errors.New("no credential source configured")

// ErrStaticTokenRejected means a refresh was forced but the only credential
// is a pre-issued token that cannot be renewed.
var ErrStaticTokenRejected = errors.New("static token rejected and no credentials to renew it")

// Exchanger performs token grants. Implemented by Authenticator.
type Exchanger interface {
	Login(ctx context.Context, username, password string) (*Token, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// Credentials are the configured credential sources.
type Credentials struct {
	Username    string
	Password    string
	StaticToken string
}

func (c Credentials) hasPassword() bool {
	return c.Username != "" && c.Password != ""
}

// Supplier hands out a currently valid token, refreshing or logging in
// when the cached one is missing or expiring soon. Concurrent acquisitions
// are coalesced into one identity provider round trip.
type Supplier struct {
	exchanger Exchanger
	store     TokenStore
	creds     Credentials
	logger    *slog.Logger
	recorder  diag.Recorder
	now       func() time.Time

	threshold time.Duration
	grace     time.Duration

	group singleflight.Group
}

// SupplierOption configures a Supplier.
type SupplierOption func(*Supplier)

// WithStore injects the token store.
func WithStore(store TokenStore) SupplierOption {
	return func(s *Supplier) {
		s.store = store
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) SupplierOption {
	return func(s *Supplier) {
		s.logger = logger
	}
}

// WithRecorder sets the diagnostic recorder.
func WithRecorder(rec diag.Recorder) SupplierOption {
	return func(s *Supplier) {
		s.recorder = rec
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SupplierOption {
	return func(s *Supplier) {
		s.now = now
	}
}

// WithRefreshThreshold sets how close to expiry a cached token stops being served.
func WithRefreshThreshold(d time.Duration) SupplierOption {
	return func(s *Supplier) {
		s.threshold = d
	}
}

// WithRefreshGrace sets how long past expiry the refresh grant is attempted.
func WithRefreshGrace(d time.Duration) SupplierOption {
	return func(s *Supplier) {
		s.grace = d
	}
}

// NewSupplier creates a Supplier. exchanger may be nil when only a static
// token is configured.
func NewSupplier(exchanger Exchanger, creds Credentials, opts ...SupplierOption) *Supplier {
	s := &Supplier{
		exchanger: exchanger,
		store:     NewMemoryStore(),
		creds:     creds,
		logger:    slog.Default(),
		recorder:  diag.Nop{},
		now:       time.Now,
		threshold: DefaultRefreshThreshold,
		grace:     DefaultRefreshGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidToken returns a token that is valid now. With forceRefresh the
// currently stored token is treated as rejected and replaced.
func (s *Supplier) ValidToken(ctx context.Context, forceRefresh bool) (*Token, error) {
	if !forceRefresh {
		if tok := s.cached(); tok != nil {
			s.recorder.Record(ctx, diag.Event{Reason: diag.ReasonTokenCacheHit})
			return tok, nil
		}
		return s.obtain(ctx, "", false)
	}

	var rejected string
	if cur := s.store.Load(); cur != nil {
		rejected = cur.AccessToken
	}
	return s.obtain(ctx, rejected, true)
}

// Renew replaces a token the agent rejected. If another caller already
// replaced it, the stored replacement is returned without a round trip.
func (s *Supplier) Renew(ctx context.Context, rejected *Token) (*Token, error) {
	if rejected == nil {
		return s.ValidToken(ctx, true)
	}
	return s.obtain(ctx, rejected.AccessToken, true)
}

// obtain runs at most one identity provider exchange at a time. Normal and
// forced acquisitions share the flight so they never race two logins.
func (s *Supplier) obtain(ctx context.Context, rejected string, force bool) (*Token, error) {
	// The flight outlives any single caller; the exchanger's own timeout bounds it.
	flightCtx := context.WithoutCancel(ctx)

	var tok *Token
	for range 2 {
		v, err, _ := s.group.Do(tokenFlight, func() (interface{}, error) {
			if cur := s.reusable(rejected, force); cur != nil {
				return cur, nil
			}
			return s.acquire(flightCtx, force)
		})
		if err != nil {
			s.recorder.Record(ctx, diag.Event{Reason: diag.ReasonTokenFailed, Err: err})
			return nil, err
		}
		tok = v.(*Token)
		// A forced caller that joined a normal flight can be handed the very
		// token it is replacing (degraded mode); go around once more.
		if !force || tok.AccessToken != rejected {
			break
		}
	}
	return tok, nil
}

// reusable returns the stored token when no exchange is needed: for normal
// callers while it is outside the refresh threshold, for forced callers
// when it differs from the rejected one and has not expired.
func (s *Supplier) reusable(rejected string, force bool) *Token {
	if !force {
		return s.cached()
	}
	cur := s.store.Load()
	if cur == nil || cur.AccessToken == rejected || cur.Expired(s.now()) {
		return nil
	}
	return cur
}

// cached returns the stored token when it is not expiring soon.
func (s *Supplier) cached() *Token {
	tok := s.store.Load()
	if tok == nil || tok.ExpiresWithin(s.now(), s.threshold) {
		return nil
	}
	return tok
}

func (s *Supplier) acquire(ctx context.Context, forceRefresh bool) (*Token, error) {
	current := s.store.Load()

	if !s.creds.hasPassword() {
		return s.staticToken(ctx, forceRefresh)
	}
	if s.exchanger == nil {
		return nil, ErrNoCredentials
	}

	if current != nil && current.RefreshToken != "" && s.now().Before(current.ExpiresAt.Add(s.grace)) {
		start := s.now()
		tok, err := s.exchanger.Refresh(ctx, current.RefreshToken)
		if err == nil {
			s.store.Save(tok)
			s.recorder.Record(ctx, diag.Event{Reason: diag.ReasonTokenRefreshed, Call: "identity", Duration: s.now().Sub(start)})
			return tok, nil
		}
		s.logger.Warn("Token refresh failed, falling back to password login", "error", err)
	}

	start := s.now()
	tok, err := s.exchanger.Login(ctx, s.creds.Username, s.creds.Password)
	if err == nil {
		s.store.Save(tok)
		s.recorder.Record(ctx, diag.Event{Reason: diag.ReasonTokenLogin, Call: "identity", Duration: s.now().Sub(start)})
		return tok, nil
	}

	// A token the agent has not rejected and that has not expired is still
	// better than failing the request.
	if !forceRefresh && current != nil && !current.Expired(s.now()) {
		s.logger.Warn("Login failed, serving last known token",
			"error", err,
			"expires_in_seconds", int(current.ExpiresAt.Sub(s.now()).Seconds()))
		s.recorder.Record(ctx, diag.Event{Reason: diag.ReasonTokenDegraded, Err: err})
		return current, nil
	}

	s.store.Clear()
	return nil, err
}

func (s *Supplier) staticToken(ctx context.Context, forceRefresh bool) (*Token, error) {
	if s.creds.StaticToken == "" {
		return nil, ErrNoCredentials
	}
	if forceRefresh {
		return nil, ErrStaticTokenRejected
	}

	now := s.now()
	tok := &Token{
		AccessToken: s.creds.StaticToken,
		TokenType:   "Bearer",
		IssuedAt:    now,
	}

	exp, ok := JWTExpiry(s.creds.StaticToken)
	switch {
	case !ok:
		s.logger.Warn("Static token expiry could not be decoded, treating it as valid")
		tok.ExpiresAt = now.Add(s.threshold + time.Hour)
	case !exp.After(now):
		return nil, &AuthError{Reason: "static token expired at " + exp.UTC().Format(time.RFC3339)}
	default:
		tok.ExpiresAt = exp
	}

	// Only cache while it can satisfy the threshold; otherwise serve it
	// uncached until it actually expires.
	if !tok.ExpiresWithin(now, s.threshold) {
		s.store.Save(tok)
	}
	s.recorder.Record(ctx, diag.Event{Reason: diag.ReasonTokenStatic})
	return tok, nil
}
