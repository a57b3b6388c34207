package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenhuangus/agent-payment-platform/pkg/observability"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	handler := limiter.Middleware(okHandler())

	call := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	// Burst of two is allowed immediately.
	assert.Equal(t, http.StatusOK, call("10.0.0.1:5000"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:5002"), "exceeded burst")

	// Another client has its own bucket.
	assert.Equal(t, http.StatusOK, call("10.0.0.2:5000"))
}

func TestRateLimitMiddleware_RetryAfter(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	handler := limiter.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(10, 10)
	limiter.now = func() time.Time { return now }

	limiter.limiter("10.0.0.1")
	now = now.Add(2 * time.Minute)
	limiter.limiter("10.0.0.2")
	now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, limiter.evict())
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.visitors, "10.0.0.1")
	assert.Contains(t, limiter.visitors, "10.0.0.2")
}

func TestRateLimiter_RunStopsWithContext(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		limiter.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientIP(t *testing.T) {
	cases := map[string]string{
		"192.168.1.5:443": "192.168.1.5",
		"[::1]:8080":      "::1",
		"[::1]":           "::1",
		"10.1.1.1":        "10.1.1.1",
	}
	for remote, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		assert.Equal(t, want, clientIP(req), remote)
	}
}

func TestWithRequestID(t *testing.T) {
	var seen string
	handler := withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestWithTelemetry_RecordsStatus(t *testing.T) {
	obs, err := observability.New(context.Background(), nil)
	require.NoError(t, err)

	handler := withTelemetry(obs, "GET /boom", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// A nil provider leaves the handler untouched.
	w = httptest.NewRecorder()
	withTelemetry(nil, "GET /", okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
