package shield

import "net/http"

// Header is one response header set by SecurityHeaders.
type Header struct {
	Name, Value string
}

// WebhookHeaders are the headers for a listener that only answers machines:
// nothing may be framed, sniffed or loaded.
var WebhookHeaders = []Header{
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
}

// SecurityHeaders sets hs on every response before the handler runs.
// Headers with an empty value are skipped.
func SecurityHeaders(hs []Header) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, x := range hs {
				if x.Value != "" {
					h.Set(x.Name, x.Value)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeadToGet lets GET routes answer HEAD probes from load balancers.
// net/http drops the body of a HEAD response.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r2 := r.Clone(r.Context())
			r2.Method = http.MethodGet
			r = r2
		}
		next.ServeHTTP(w, r)
	})
}
