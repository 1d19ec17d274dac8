package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultExchangeTimeout bounds a single token endpoint round trip.
	DefaultExchangeTimeout = 20 * time.Second

	// DefaultExpiryMargin is subtracted from expires_in when computing ExpiresAt.
	DefaultExpiryMargin = 60 * time.Second

	maxTokenResponseSize = 1 << 20
)

// AuthError is returned when the identity provider rejects a token request
// or answers with something that is not a usable token.
type AuthError struct {
	Status int
	Body   string
	Reason string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token request failed: %s (status %d)", e.Reason, e.Status)
	}
	return "token request failed: " + e.Reason
}

// tokenResponse is the identity provider's JSON answer.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    *int64 `json:"expires_in"`
}

// Authenticator performs password and refresh_token grants against a fixed
// token endpoint. It never retries.
type Authenticator struct {
	httpClient   *http.Client
	logger       *slog.Logger
	tokenURL     string
	clientID     string
	clientSecret string
	timeout      time.Duration
	margin       time.Duration
	now          func() time.Time
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) AuthenticatorOption {
	return func(a *Authenticator) {
		a.httpClient = httpClient
	}
}

// WithAuthLogger sets a custom logger.
func WithAuthLogger(logger *slog.Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithClientSecret adds client_secret to every grant.
func WithClientSecret(secret string) AuthenticatorOption {
	return func(a *Authenticator) {
		a.clientSecret = secret
	}
}

// WithExchangeTimeout bounds each token request.
func WithExchangeTimeout(d time.Duration) AuthenticatorOption {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithExpiryMargin sets the margin subtracted from expires_in.
func WithExpiryMargin(d time.Duration) AuthenticatorOption {
	return func(a *Authenticator) {
		if d >= 0 {
			a.margin = d
		}
	}
}

// WithAuthClock overrides time.Now.
func WithAuthClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		a.now = now
	}
}

// NewAuthenticator creates an Authenticator for tokenURL and clientID.
func NewAuthenticator(tokenURL, clientID string, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		tokenURL:   tokenURL,
		clientID:   clientID,
		timeout:    DefaultExchangeTimeout,
		margin:     DefaultExpiryMargin,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Login exchanges username and password for a token.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*Token, error) {
	data := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	return a.doTokenRequest(ctx, data)
}

// Refresh exchanges a refresh token for a new token.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return a.doTokenRequest(ctx, data)
}

func (a *Authenticator) doTokenRequest(ctx context.Context, data url.Values) (*Token, error) {
	data.Set("client_id", a.clientID)
	if a.clientSecret != "" {
		data.Set("client_secret", a.clientSecret)
	}
	grant := data.Get("grant_type")

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := a.now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.logger.Warn("Token request rejected",
			"grant_type", grant,
			"status", resp.StatusCode,
			"body_bytes", len(body))
		return nil, &AuthError{Status: resp.StatusCode, Body: string(body), Reason: "rejected by identity provider"}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthError{Status: resp.StatusCode, Body: string(body), Reason: "unparsable token response"}
	}
	if tr.AccessToken == "" {
		return nil, &AuthError{Status: resp.StatusCode, Body: string(body), Reason: "no access_token in response"}
	}
	if tr.ExpiresIn == nil || *tr.ExpiresIn <= 0 {
		return nil, &AuthError{Status: resp.StatusCode, Body: string(body), Reason: "no usable expires_in in response"}
	}

	tok := &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(a.lifetime(time.Duration(*tr.ExpiresIn) * time.Second)),
	}

	a.logger.Info("Token obtained",
		"grant_type", grant,
		"expires_in", *tr.ExpiresIn,
		"refresh_token", tr.RefreshToken != "",
		"expires_at", tok.ExpiresAt.UTC().Format(time.RFC3339))

	return tok, nil
}

// lifetime applies the safety margin but never lets a token expire before it
// was issued.
func (a *Authenticator) lifetime(expiresIn time.Duration) time.Duration {
	d := expiresIn - a.margin
	if d <= 0 {
		d = expiresIn / 2
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}
