package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashureev/agent-proxy/internal/auth"
)

const (
	// DefaultTimeout bounds one agent call. Agent answers can be slow.
	DefaultTimeout = 90 * time.Second

	defaultMaxResponseSize = 16 << 20
)

// Client posts chat payloads to the remote agent endpoint.
type Client struct {
	httpClient      *http.Client
	url             string
	timeout         time.Duration
	maxResponseSize int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientHTTP sets a custom HTTP client.
func WithClientHTTP(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxResponseSize caps how much of a response body is read.
func WithMaxResponseSize(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseSize = n
		}
	}
}

// NewClient creates a Client for the agent endpoint url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:      http.DefaultClient,
		url:             url,
		timeout:         DefaultTimeout,
		maxResponseSize: defaultMaxResponseSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send issues one authorized POST and returns the reply unparsed. Non-2xx
// statuses, 401/403 included, are not errors.
func (c *Client) Send(ctx context.Context, tok *auth.Token, payload any) (*RawResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	tok.OAuth2().SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	// The body is read under the same deadline; streamed answers end when
	// the agent closes the stream.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       string(raw),
	}, nil
}
