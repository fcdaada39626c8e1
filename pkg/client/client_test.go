package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/craftport/podsync/pkg/logging"
	"github.com/craftport/podsync/pkg/ratelimit"
	"github.com/craftport/podsync/pkg/store"
)

// scriptedServer replays a fixed sequence of status codes and records the
// arrival time of each request.
type scriptedServer struct {
	mu       sync.Mutex
	statuses []int
	headers  []http.Header
	arrivals []time.Time
	server   *httptest.Server
}

func newScriptedServer(statuses ...int) *scriptedServer {
	s := &scriptedServer{statuses: statuses}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		idx := len(s.arrivals)
		s.arrivals = append(s.arrivals, time.Now())

		status := http.StatusOK
		if idx < len(s.statuses) {
			status = s.statuses[idx]
		}
		if idx < len(s.headers) {
			for k, vals := range s.headers[idx] {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	return s
}

func (s *scriptedServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.arrivals)
}

func (s *scriptedServer) gap(i int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arrivals[i].Sub(s.arrivals[i-1])
}

func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig(baseURL, "test-token")
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 500 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	limiter := ratelimit.New(store.NewMemoryKV(), time.Minute, 1000, logging.NewLogger("test"))
	c, err := New(cfg, limiter, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestClient_ServerErrorsRetriedThenSucceed(t *testing.T) {
	srv := newScriptedServer(503, 503, 200)
	defer srv.server.Close()

	c := newTestClient(t, srv.server.URL, nil)

	resp, err := c.Get(context.Background(), "/v1/products/42", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := srv.requestCount(); got != 3 {
		t.Fatalf("request count = %d, want 3 (initial + 2 retries)", got)
	}

	// Exponential backoff: the second gap must exceed the first. The first
	// delay is ~20ms ±20%, the second ~40ms ±20%, so the ranges do not overlap.
	if srv.gap(2) <= srv.gap(1) {
		t.Errorf("backoff not increasing: gap1=%v gap2=%v", srv.gap(1), srv.gap(2))
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	srv := newScriptedServer(404)
	defer srv.server.Close()

	c := newTestClient(t, srv.server.URL, nil)

	_, err := c.Get(context.Background(), "/v1/products/missing", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Get() error = %v, want *APIError", err)
	}
	if apiErr.Class != ErrorClassClient {
		t.Errorf("Class = %s, want %s", apiErr.Class, ErrorClassClient)
	}
	if apiErr.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
	}
	if got := srv.requestCount(); got != 1 {
		t.Errorf("request count = %d, want 1 (4xx must not retry)", got)
	}
}

func TestClient_RetryExhausted(t *testing.T) {
	srv := newScriptedServer(500, 500, 500, 500, 500)
	defer srv.server.Close()

	c := newTestClient(t, srv.server.URL, func(cfg *Config) {
		cfg.MaxAttempts = 3
		cfg.BreakerFailures = 100
	})

	_, err := c.Get(context.Background(), "/v1/products", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Get() error = %v, want ErrRetryExhausted", err)
	}
	if got := srv.requestCount(); got != 3 {
		t.Errorf("request count = %d, want 3", got)
	}
}

func TestClient_RetryAfterHonored(t *testing.T) {
	srv := &scriptedServer{
		statuses: []int{429, 200},
		headers: []http.Header{
			{"Retry-After": []string{"1"}},
		},
	}
	srv.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.mu.Lock()
		idx := len(srv.arrivals)
		srv.arrivals = append(srv.arrivals, time.Now())
		status := http.StatusOK
		if idx < len(srv.statuses) {
			status = srv.statuses[idx]
		}
		if idx < len(srv.headers) {
			for k, vals := range srv.headers[idx] {
				w.Header().Set(k, vals[0])
			}
		}
		srv.mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.server.Close()

	c := newTestClient(t, srv.server.URL, nil)

	resp, err := c.Get(context.Background(), "/v1/orders", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if gap := srv.gap(1); gap < time.Second {
		t.Errorf("retry gap = %v, want >= 1s per Retry-After", gap)
	}
}

func TestClient_RateLimitHeadersFeedLimiter(t *testing.T) {
	kv := store.NewMemoryKV()
	limiter := ratelimit.New(kv, time.Minute, 1000, logging.NewLogger("test"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "120")
		w.Header().Set("X-RateLimit-Remaining", "7")
		w.Header().Set("X-RateLimit-Reset", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL, "test-token")
	c, err := New(cfg, limiter, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := c.Get(context.Background(), "/v1/products", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	state, err := limiter.State(context.Background(), "GET /v1/products")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state == nil {
		t.Fatal("State() = nil, want header-derived state")
	}
	if state.Limit != 120 || state.Remaining != 7 {
		t.Errorf("state = limit %d remaining %d, want 120/7 from headers", state.Limit, state.Remaining)
	}
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := newScriptedServer(500, 500, 500, 500, 500, 500, 500, 500)
	defer srv.server.Close()

	c := newTestClient(t, srv.server.URL, func(cfg *Config) {
		cfg.MaxAttempts = 1
		cfg.BreakerFailures = 3
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, "/v1/products", nil); err == nil {
			t.Fatalf("Get() call %d = nil error, want failure", i+1)
		}
	}
	before := srv.requestCount()

	_, err := c.Get(ctx, "/v1/products", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Get() with open breaker error = %v, want *APIError", err)
	}
	if srv.requestCount() != before {
		t.Errorf("breaker open but request still reached the server")
	}
}

func TestClient_AuthHeaderSent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	if _, err := c.Get(context.Background(), "/v1/products", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
}

func TestBackoffSchedule_Increasing(t *testing.T) {
	b := backoffSchedule{initial: time.Second, max: 30 * time.Second, multiplier: 2.0}

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{attempt: 1, min: 800 * time.Millisecond, max: 1200 * time.Millisecond},
		{attempt: 2, min: 1600 * time.Millisecond, max: 2400 * time.Millisecond},
		{attempt: 3, min: 3200 * time.Millisecond, max: 4800 * time.Millisecond},
		{attempt: 10, min: 24 * time.Second, max: 30 * time.Second}, // capped
	}

	for _, tt := range tests {
		got := b.delayFor(tt.attempt)
		if got < tt.min || got > tt.max {
			t.Errorf("delayFor(%d) = %v, want within [%v, %v]", tt.attempt, got, tt.min, tt.max)
		}
	}
}
