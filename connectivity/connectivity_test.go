package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Chain / middlewares
// ---------------------------------------------------------------------------

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				order = append(order, name)
				return next(ctx, p)
			}
		}
	}
	h := Chain(mw("a"), mw("b"), mw("c"))(func(context.Context, []byte) ([]byte, error) {
		order = append(order, "handler")
		return []byte("ok"), nil
	})
	if _, err := h(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(order, ","); got != "a,b,c,handler" {
		t.Fatalf("order = %s", got)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(discardLogger())(func(context.Context, []byte) ([]byte, error) {
		panic("kaboom")
	})
	_, err := h(context.Background(), nil)
	var pe *ErrPanic
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ErrPanic", err)
	}
}

func TestTimeout(t *testing.T) {
	h := Timeout(10 * time.Millisecond)(func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if _, err := h(context.Background(), nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

func TestWithRetry(t *testing.T) {
	calls := 0
	h := WithRetry(RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}, discardLogger())(
		func(context.Context, []byte) ([]byte, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return []byte("ok"), nil
		})
	resp, err := h(context.Background(), nil)
	if err != nil || string(resp) != "ok" || calls != 3 {
		t.Fatalf("resp=%q err=%v calls=%d", resp, err, calls)
	}
}

func TestWithRetry_PermanentStatus(t *testing.T) {
	calls := 0
	h := WithRetry(RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}, nil)(
		func(context.Context, []byte) ([]byte, error) {
			calls++
			return nil, &StatusError{Service: "x", Code: http.StatusUnauthorized}
		})
	if _, err := h(context.Background(), nil); err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want one attempt", err, calls)
	}
}

func TestWithRetry_ServerErrorRetried(t *testing.T) {
	calls := 0
	h := WithRetry(RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}, nil)(
		func(context.Context, []byte) ([]byte, error) {
			calls++
			return nil, &StatusError{Service: "x", Code: http.StatusBadGateway}
		})
	if _, err := h(context.Background(), nil); err == nil || calls != 3 {
		t.Fatalf("err=%v calls=%d, want 3 attempts", err, calls)
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	h := WithRetry(RetryPolicy{MaxRetries: 5, Backoff: time.Hour}, nil)(
		func(context.Context, []byte) ([]byte, error) {
			calls++
			cancel()
			return nil, errors.New("fail")
		})
	if _, err := h(ctx, nil); err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(BreakerConfig{
		Threshold: 3,
		Cooldown:  100 * time.Millisecond,
		Now:       func() time.Time { return now },
	})

	for i := 0; i < 3; i++ {
		cb.Failure()
	}
	if cb.State() != BreakerOpen || cb.Allow() {
		t.Fatal("expected open after 3 failures")
	}

	now = now.Add(200 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}
	cb.Success()
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(BreakerConfig{
		Threshold: 1,
		Cooldown:  50 * time.Millisecond,
		Now:       func() time.Time { return now },
	})
	cb.Failure()
	now = now.Add(100 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open")
	}
	cb.Failure()
	if cb.State() != BreakerOpen {
		t.Fatal("expected re-open after half-open failure")
	}
}

func TestWithCircuitBreaker_Middleware(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Threshold: 2, Cooldown: time.Hour})
	failing := WithCircuitBreaker(cb, "vision", nil)(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("down")
	})
	failing(context.Background(), nil)
	failing(context.Background(), nil)

	_, err := failing(context.Background(), nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) || open.Service != "vision" {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestWithCircuitBreaker_IgnoresUncounted(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	h := WithCircuitBreaker(cb, "x", Retryable)(func(context.Context, []byte) ([]byte, error) {
		return nil, &StatusError{Code: http.StatusBadRequest}
	})
	h(context.Background(), nil)
	if cb.State() != BreakerClosed {
		t.Fatal("a permanent client error must not trip the breaker")
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func TestHTTPHandler_JSONPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("echo:"), b...))
	}))
	defer srv.Close()

	h := HTTPHandler(srv.Client(), "test", JSONPost(srv.URL, http.Header{"X-Api-Key": {"k"}}))
	resp, err := h(context.Background(), []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp) != `echo:{"a":1}` {
		t.Fatalf("resp = %s", resp)
	}
}

func TestHTTPHandler_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := HTTPHandler(srv.Client(), "test", JSONPost(srv.URL, nil))
	_, err := h(context.Background(), nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || !se.Temporary() {
		t.Fatalf("err = %v", err)
	}
}
