// Package connectivity wraps every outbound call claimsync makes (vision
// API, Telegram Bot API, portal upload endpoint) in the same shape: a
// Handler taking and returning bytes, decorated by a middleware chain.
//
//	h := connectivity.Chain(
//		connectivity.Logging(logger, "vision"),
//		connectivity.Recovery(logger),
//		connectivity.WithCircuitBreaker(cb, "vision"),
//		connectivity.WithRetry(connectivity.RetryPolicy{MaxRetries: 2}, logger),
//		connectivity.Timeout(60*time.Second),
//	)(connectivity.HTTPHandler(client, "vision", buildRequest))
//
//	resp, err := h(ctx, body)
package connectivity

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Handler is a transport-agnostic call: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// HandlerMiddleware wraps a Handler without changing its signature.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares left-to-right: the first one is the outermost
// wrapper.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call to service with its duration. Failures are logged
// at warn level; the caller decides whether they are fatal.
func Logging(logger *slog.Logger, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)

			if err != nil {
				logger.WarnContext(ctx, "call failed",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"error", err)
			} else {
				logger.DebugContext(ctx, "call ok",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"response_bytes", len(resp))
			}
			return resp, err
		}
	}
}

// Timeout bounds each call to d. A zero d leaves the context untouched.
func Timeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, payload)
		}
	}
}

// Recovery converts a panic in a downstream handler into *ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "handler panic recovered",
						"panic", r,
						"stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, payload)
		}
	}
}
