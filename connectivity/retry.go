package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after the first (0 = none).
	MaxRetries int
	// Backoff is the first wait, doubled on each attempt. Default: 500ms.
	Backoff time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Default: Retryable.
	Retryable func(error) bool
}

// WithRetry retries failed calls with exponential backoff. It stops early on
// context cancellation and on errors the policy deems permanent.
func WithRetry(p RetryPolicy, logger *slog.Logger) HandlerMiddleware {
	if p.Backoff <= 0 {
		p.Backoff = 500 * time.Millisecond
	}
	if p.Retryable == nil {
		p.Retryable = Retryable
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= p.MaxRetries; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				if ctx.Err() != nil || !p.Retryable(err) {
					return nil, lastErr
				}

				if attempt < p.MaxRetries {
					wait := p.Backoff * (1 << uint(attempt))
					if logger != nil {
						logger.WarnContext(ctx, "retrying call",
							"attempt", attempt+1,
							"max_retries", p.MaxRetries,
							"backoff_ms", wait.Milliseconds(),
							"error", err)
					}
					t := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						t.Stop()
						return nil, lastErr
					case <-t.C:
					}
				}
			}
			return nil, lastErr
		}
	}
}
