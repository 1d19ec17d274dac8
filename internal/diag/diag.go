// Package diag carries structured diagnostic records for every state
// transition of a proxied agent request and of the token lifecycle.
package diag

import (
	"context"
	"log/slog"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Reason identifies a single transition. Values are stable and used as
// metric labels.
type Reason string

const (
	// Token lifecycle.
	ReasonTokenCacheHit  Reason = "token_cache_hit"
	ReasonTokenRefreshed Reason = "token_refreshed"
	ReasonTokenLogin     Reason = "token_login"
	ReasonTokenStatic    Reason = "token_static"
	ReasonTokenDegraded  Reason = "token_degraded"
	ReasonTokenFailed    Reason = "token_failed"

	// Request lifecycle.
	ReasonRequestInvalid  Reason = "request_invalid"
	ReasonAuthFailed      Reason = "auth_failed"
	ReasonForwarded       Reason = "forwarded"
	ReasonAuthRetry       Reason = "auth_retry"
	ReasonAuthRetryFailed Reason = "auth_retry_failed"
	ReasonUpstreamError   Reason = "upstream_error"
	ReasonParseFailed     Reason = "parse_failed"
	ReasonTimeout         Reason = "timeout"
	ReasonNetworkError    Reason = "network_error"
	ReasonProxyFailed     Reason = "proxy_failed"
	ReasonCompleted       Reason = "completed"
)

// Event is one diagnostic record. It never carries credentials or bodies.
type Event struct {
	Reason   Reason
	Status   int
	Bytes    int
	Attempt  int
	Call     string // "identity" or "agent" for outbound calls
	Duration time.Duration
	Err      error
}

// Recorder receives diagnostic events.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) {}

// Multi fans an event out to several recorders.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(ctx context.Context, ev Event) {
	for _, r := range m {
		if r != nil {
			r.Record(ctx, ev)
		}
	}
}

// LogRecorder writes events to a slog logger.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder returns a recorder backed by logger (slog.Default when nil).
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (l *LogRecorder) Record(ctx context.Context, ev Event) {
	attrs := []any{"reason", string(ev.Reason)}
	if reqID := chiMiddleware.GetReqID(ctx); reqID != "" {
		attrs = append(attrs, "request_id", reqID)
	}
	if ev.Status != 0 {
		attrs = append(attrs, "status", ev.Status)
	}
	if ev.Bytes != 0 {
		attrs = append(attrs, "bytes", ev.Bytes)
	}
	if ev.Attempt != 0 {
		attrs = append(attrs, "attempt", ev.Attempt)
	}
	if ev.Call != "" {
		attrs = append(attrs, "call", ev.Call)
	}
	if ev.Duration != 0 {
		attrs = append(attrs, "duration_ms", ev.Duration.Milliseconds())
	}

	level := slog.LevelInfo
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
		level = slog.LevelWarn
	}
	if ev.Reason == ReasonTokenCacheHit {
		level = slog.LevelDebug
	}
	l.logger.Log(ctx, level, "agent proxy transition", attrs...)
}
