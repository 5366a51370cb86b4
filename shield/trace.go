package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/claimsync/idgen"
)

// TraceID tags each request with an ID, set in the context, the
// X-Trace-ID response header and a per-request logger stored under
// LoggerKey. A nil logger means slog.Default().
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			base := logger
			if base == nil {
				base = slog.Default()
			}
			traceID := idgen.New()

			ctx := context.WithValue(r.Context(), TraceIDKey, traceID)
			w.Header().Set("X-Trace-ID", traceID)

			l := base.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", ExtractIP(r),
			)
			ctx = context.WithValue(ctx, LoggerKey, l)
			l.DebugContext(ctx, "http: request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
