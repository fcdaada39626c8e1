// Package testutil provides testing utilities for the podsync pipeline.
package testutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock supplier endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockSupplier is a configurable mock supplier API server for testing.
type MockSupplier struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
}

// NewMockSupplier creates a new mock supplier server.
func NewMockSupplier() *MockSupplier {
	mock := &MockSupplier{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockSupplier) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSupplier) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSupplier) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockSupplier) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockSupplier) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetProductResponse configures a typical product endpoint response.
func (m *MockSupplier) SetProductResponse(productID string, resp MockResponse) {
	m.SetResponse("/v1/products/"+productID, resp)
}

// SetRateLimitHeaders wraps resp.Headers with standard rate limit headers.
func SetRateLimitHeaders(resp MockResponse, limit, remaining int, resetIn time.Duration) MockResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["X-RateLimit-Limit"] = strconv.Itoa(limit)
	resp.Headers["X-RateLimit-Remaining"] = strconv.Itoa(remaining)
	resp.Headers["X-RateLimit-Reset"] = strconv.Itoa(int(resetIn.Seconds()))
	return resp
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSupplier) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// defaultHandler returns an empty JSON object for unconfigured paths.
func (m *MockSupplier) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, "{}")
}

// SignPayload computes the hex HMAC-SHA256 signature a supplier would attach
// to a webhook delivery.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
