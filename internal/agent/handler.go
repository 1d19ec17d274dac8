package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/agent-proxy/internal/api"
	"github.com/ashureev/agent-proxy/internal/auth"
	"github.com/ashureev/agent-proxy/internal/config"
	"github.com/ashureev/agent-proxy/internal/diag"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// TokenSource hands out bearer tokens. Implemented by auth.Supplier.
type TokenSource interface {
	ValidToken(ctx context.Context, forceRefresh bool) (*auth.Token, error)
	Renew(ctx context.Context, rejected *auth.Token) (*auth.Token, error)
}

// Sender forwards a payload to the agent. Implemented by Client.
type Sender interface {
	Send(ctx context.Context, tok *auth.Token, payload any) (*RawResponse, error)
}

// Handler serves POST /api/agent.
type Handler struct {
	tokens       TokenSource
	sender       Sender
	recorder     diag.Recorder
	logger       *slog.Logger
	maxBodySize  int64
	historyLimit int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets a custom logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates the agent proxy handler. cfg may be nil, in which case
// defaults apply.
func NewHandler(tokens TokenSource, sender Sender, recorder diag.Recorder, cfg *config.Config, opts ...HandlerOption) *Handler {
	if recorder == nil {
		recorder = diag.Nop{}
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	historyLimit := 10
	if cfg != nil {
		maxBodySize = cfg.Limits.MaxRequestBodySize
		historyLimit = cfg.Limits.ChatHistoryLimit
	}

	h := &Handler{
		tokens:       tokens,
		sender:       sender,
		recorder:     recorder,
		logger:       slog.Default(),
		maxBodySize:  maxBodySize,
		historyLimit: historyLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the agent endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/api/agent", h.HandleAgent)
}

// HandleAgent handles /api/agent for every method.
func (h *Handler) HandleAgent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		api.Error(w, http.StatusMethodNotAllowed, "Only POST requests are allowed")
		return
	}

	ctx := r.Context()
	reqID := chiMiddleware.GetReqID(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.recorder.Record(ctx, diag.Event{Reason: diag.ReasonRequestInvalid, Status: http.StatusRequestEntityTooLarge})
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.recorder.Record(ctx, diag.Event{Reason: diag.ReasonRequestInvalid, Status: http.StatusBadRequest, Err: err})
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := ParseRequest(body)
	if err != nil {
		h.recorder.Record(ctx, diag.Event{Reason: diag.ReasonRequestInvalid, Status: http.StatusBadRequest, Bytes: len(body)})
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("Agent request",
		"request_id", reqID,
		"message_length", len(req.UserMessage),
		"history_length", len(req.ChatHistory),
	)

	data, fail := h.Forward(ctx, req.Payload(h.historyLimit))
	if fail != nil {
		h.recorder.Record(ctx, diag.Event{Reason: fail.Reason, Status: fail.Status, Err: fail})
		api.JSON(w, fail.Status, fail.envelope())
		return
	}

	h.recorder.Record(ctx, diag.Event{Reason: diag.ReasonCompleted, Status: http.StatusOK, Bytes: len(data)})
	api.JSON(w, http.StatusOK, data)
}

// Forward runs token acquisition, the agent call with at most one retry on
// 401/403, and response normalization, strictly in that order.
func (h *Handler) Forward(ctx context.Context, payload any) (json.RawMessage, *Failure) {
	tok, err := h.tokens.ValidToken(ctx, false)
	if err != nil {
		return nil, tokenFailure(err, false, 0)
	}

	resp, fail := h.send(ctx, tok, payload, 1)
	if fail != nil {
		return nil, fail
	}

	retried := false
	if resp.AuthRejected() {
		h.recorder.Record(ctx, diag.Event{Reason: diag.ReasonAuthRetry, Status: resp.StatusCode})
		retried = true

		tok, err = h.tokens.Renew(ctx, tok)
		if err != nil {
			return nil, tokenFailure(err, true, resp.StatusCode)
		}
		resp, fail = h.send(ctx, tok, payload, 2)
		if fail != nil {
			return nil, fail
		}
	}

	if !resp.OK() {
		return nil, upstreamFailure(resp, retried)
	}

	data, err := Normalize(resp.Body)
	if err != nil {
		details := Preview(resp.Body, previewLimit)
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			details = parseErr.Preview
		}
		return nil, &Failure{
			Kind:    KindParse,
			Status:  http.StatusInternalServerError,
			Message: "Failed to parse agent response",
			Details: details,
			Reason:  diag.ReasonParseFailed,
			Err:     err,
		}
	}
	return data, nil
}

func (h *Handler) send(ctx context.Context, tok *auth.Token, payload any, attempt int) (*RawResponse, *Failure) {
	start := time.Now()
	resp, err := h.sender.Send(ctx, tok, payload)
	elapsed := time.Since(start)
	if err != nil {
		if f, ok := transportFailure(err, "agent API"); ok {
			return nil, f
		}
		return nil, &Failure{
			Kind:    KindInternal,
			Status:  http.StatusInternalServerError,
			Message: "Proxy failed",
			Details: err.Error(),
			Reason:  diag.ReasonProxyFailed,
			Err:     err,
		}
	}

	h.recorder.Record(ctx, diag.Event{
		Reason:   diag.ReasonForwarded,
		Status:   resp.StatusCode,
		Bytes:    len(resp.Body),
		Attempt:  attempt,
		Call:     "agent",
		Duration: elapsed,
	})
	return resp, nil
}
