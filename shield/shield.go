// Package shield is the HTTP middleware stack in front of the bot's webhook
// listener: security headers, body limits, request tracing and per-IP rate
// limiting.
//
//	r := chi.NewRouter()
//	stack, rl := shield.DefaultStack(limits, logger)
//	rl.StartGC(ctx, time.Minute)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

const (
	// LoggerKey is the context key for the per-request structured logger.
	LoggerKey contextKey = "shield_logger"

	// TraceIDKey is the context key for the request trace ID.
	TraceIDKey contextKey = "shield_trace_id"
)

// GetTraceID returns the request's trace ID, or "".
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// Limits configures DefaultStack.
type Limits struct {
	// MaxBody caps every request body. Default: 1 MiB.
	MaxBody int64
	// Rules are per-endpoint rate limits, keyed "METHOD /path".
	Rules map[string]RateLimitConfig
	// Exclude lists path prefixes that are never rate limited.
	Exclude []string
}

// DefaultStack returns the middleware for a webhook listener, in order:
// HeadToGet, SecurityHeaders, MaxBody, TraceID, RateLimiter. The returned
// RateLimiter handle lets callers start its GC.
func DefaultStack(l Limits, logger *slog.Logger) ([]func(http.Handler) http.Handler, *RateLimiter) {
	if l.MaxBody <= 0 {
		l.MaxBody = 1 << 20
	}
	rl := NewRateLimiter(l.Rules, l.Exclude...)
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(WebhookHeaders),
		MaxBody(l.MaxBody),
		TraceID(logger),
		rl.Middleware,
	}, rl
}
