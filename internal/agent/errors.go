package agent

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/ashureev/agent-proxy/internal/auth"
	"github.com/ashureev/agent-proxy/internal/diag"
)

// Kind is the failure taxonomy surfaced at the HTTP boundary.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindUpstream   Kind = "upstream"
	KindParse      Kind = "parse"
	KindTimeout    Kind = "timeout"
	KindNetwork    Kind = "network"
	KindInternal   Kind = "internal"
)

// detailsLimit bounds upstream text echoed back to the client.
const detailsLimit = 500

// Failure is a terminal outcome of a proxied request, already mapped to its
// HTTP status and error envelope.
type Failure struct {
	Kind    Kind
	Status  int
	Message string
	Details string
	// Upstream marks failures whose status came from the agent and is echoed
	// in the envelope.
	Upstream bool
	Reason   diag.Reason
	Err      error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Message + ": " + f.Err.Error()
	}
	return f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// envelope is the JSON error body.
func (f *Failure) envelope() map[string]any {
	body := map[string]any{"error": f.Message}
	if f.Details != "" {
		body["details"] = f.Details
	}
	if f.Upstream {
		body["status"] = f.Status
	}
	return body
}

// transportFailure classifies errors from an outbound call. ok is false when
// err is neither a timeout nor a network failure.
func transportFailure(err error, service string) (*Failure, bool) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Failure{
			Kind:    KindTimeout,
			Status:  http.StatusRequestTimeout,
			Message: "Request timeout",
			Details: "The request to the " + service + " timed out",
			Reason:  diag.ReasonTimeout,
			Err:     err,
		}, true
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) {
		return &Failure{
			Kind:    KindNetwork,
			Status:  http.StatusServiceUnavailable,
			Message: "DNS resolution failed",
			Details: "Could not resolve the " + service + " hostname",
			Reason:  diag.ReasonNetworkError,
			Err:     err,
		}, true
	}
	if errors.As(err, &opErr) {
		return &Failure{
			Kind:    KindNetwork,
			Status:  http.StatusServiceUnavailable,
			Message: "Service unavailable",
			Details: "Could not connect to the " + service,
			Reason:  diag.ReasonNetworkError,
			Err:     err,
		}, true
	}
	return nil, false
}

// tokenFailure maps a Supplier error. retried distinguishes the first
// acquisition (500) from the forced refresh after the agent rejected the
// token (original 401/403).
func tokenFailure(err error, retried bool, rejectedStatus int) *Failure {
	if f, ok := transportFailure(err, "identity provider"); ok {
		return f
	}

	details := "Could not obtain access token"
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		details = authErr.Error()
		if authErr.Body != "" {
			details += ": " + Preview(authErr.Body, detailsLimit)
		}
	} else if errors.Is(err, auth.ErrNoCredentials) || errors.Is(err, auth.ErrStaticTokenRejected) {
		details = err.Error()
	}

	if retried {
		return &Failure{
			Kind:     KindAuth,
			Status:   rejectedStatus,
			Message:  "Authentication failed even after token refresh",
			Details:  details,
			Upstream: true,
			Reason:   diag.ReasonAuthRetryFailed,
			Err:      err,
		}
	}
	return &Failure{
		Kind:    KindAuth,
		Status:  http.StatusInternalServerError,
		Message: "Authentication failed",
		Details: details,
		Reason:  diag.ReasonAuthFailed,
		Err:     err,
	}
}

// upstreamFailure maps a non-2xx agent response.
func upstreamFailure(resp *RawResponse, retried bool) *Failure {
	status := resp.StatusCode
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	f := &Failure{
		Kind:     KindUpstream,
		Status:   status,
		Message:  "Agent API error",
		Details:  Preview(resp.Body, detailsLimit),
		Upstream: true,
		Reason:   diag.ReasonUpstreamError,
	}
	if retried && resp.AuthRejected() {
		f.Kind = KindAuth
		f.Message = "Agent API error (after token refresh)"
		f.Reason = diag.ReasonAuthRetryFailed
	}
	return f
}
