package core

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHTTPTimeout bounds every outbound call when no timeout is configured.
const DefaultHTTPTimeout = 30 * time.Second

// RequestIDKey is a custom context key type for storing the request ID in context.
type RequestIDKey struct{}

// SessionIDKey is a custom context key type for storing the session ID in context.
type SessionIDKey struct{}

// WithRequestID returns a new context with a generated request ID set.
func WithRequestID(ctx context.Context) context.Context {
	reqID := uuid.New().String()
	return context.WithValue(ctx, RequestIDKey{}, reqID)
}

// WithSessionID returns a new context carrying the session identifier.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the session identifier, or "" when absent.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(SessionIDKey{}).(string)
	return id
}

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// LoggerFromCtx returns a slog.Logger with request_id and session_id fields
// when they are present in context.
func LoggerFromCtx(ctx context.Context) *slog.Logger {
	log := slog.Default()
	if reqID, _ := ctx.Value(RequestIDKey{}).(string); reqID != "" {
		log = log.With("request_id", reqID)
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		log = log.With("session_id", sessionID)
	}
	return log
}

// MaskToken hides the middle of a token so it can be logged or displayed.
func MaskToken(token string) string {
	switch {
	case len(token) > 8:
		return token[:6] + "****" + token[len(token)-2:]
	case len(token) > 0:
		return "****"
	default:
		return ""
	}
}

// NewHTTPClient returns an instrumented client for outbound calls with a
// bounded timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

/*
AddRequestAttributes sets attributes on the current trace span, and if no active span,
logs the attributes via slog for observability fallback. Also logs trace/span id for correlation.
*/
func AddRequestAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		logAttrs := make([]slog.Attr, 0, len(attrs)+3)
		for _, attr := range attrs {
			logAttrs = append(logAttrs, slog.Any(string(attr.Key), attr.Value.AsInterface()))
		}
		logAttrs = append(logAttrs, slog.Bool("observability.fallback", true))
		sc := span.SpanContext()
		if sc.HasTraceID() {
			logAttrs = append(logAttrs, slog.String("trace_id", sc.TraceID().String()))
		}
		if sc.HasSpanID() {
			logAttrs = append(logAttrs, slog.String("span_id", sc.SpanID().String()))
		}
		LoggerFromCtx(ctx).LogAttrs(ctx, slog.LevelDebug, "request attributes", logAttrs...)
		return
	}
	span.SetAttributes(attrs...)
}
