// Package client provides the supplier API HTTP client with rate limiting,
// retry with backoff, circuit breaking, and error classification.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/craftport/podsync/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Prometheus metrics for supplier requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_supplier_requests_total",
		Help: "Total supplier requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "podsync_supplier_request_duration_seconds",
		Help:    "Supplier request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_supplier_errors_total",
		Help: "Total supplier errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the supplier API, e.g. "https://api.supplier.example".
	BaseURL string

	// Token is the bearer token sent on every request.
	Token string

	// RequestTimeout bounds each HTTP call independently of retry timers.
	RequestTimeout time.Duration

	// Retry
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Circuit breaker: consecutive failures before opening, and how long
	// the breaker stays open before probing again.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:         baseURL,
		Token:           token,
		RequestTimeout:  30 * time.Second,
		MaxAttempts:     4,
		InitialBackoff:  1 * time.Second,
		MaxBackoff:      30 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Response is a fully-read supplier API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ETag returns the response ETag, or "" if absent.
func (r *Response) ETag() string {
	return r.Header.Get("ETag")
}

// Client issues requests to the supplier API. Every call consults the rate
// limiter first, retries transient failures with exponential backoff, and
// feeds observed rate-limit headers back into the limiter.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *gobreaker.CircuitBreaker
	backoff    backoffSchedule
	config     Config
	logger     zerolog.Logger
}

// New creates a supplier API client.
func New(cfg Config, limiter *ratelimit.Limiter, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive (got %d)", cfg.MaxAttempts)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "supplier-api",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
	})

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: limiter,
		breaker: breaker,
		backoff: backoffSchedule{
			initial:    cfg.InitialBackoff,
			max:        cfg.MaxBackoff,
			multiplier: 2.0,
		},
		config: cfg,
		logger: logger,
	}, nil
}

// Get performs a GET request against the supplier API.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Execute(ctx, http.MethodGet, path, query, nil)
}

// Post performs a POST request with a JSON payload.
func (c *Client) Post(ctx context.Context, path string, payload []byte) (*Response, error) {
	return c.Execute(ctx, http.MethodPost, path, nil, payload)
}

// Put performs a PUT request with a JSON payload.
func (c *Client) Put(ctx context.Context, path string, payload []byte) (*Response, error) {
	return c.Execute(ctx, http.MethodPut, path, nil, payload)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Execute(ctx, http.MethodDelete, path, nil, nil)
}

// Execute performs a request with rate limiting, retry, and classification.
// 429 responses sleep exactly the server-stated cooldown; 5xx and network
// failures retry with exponential backoff; other 4xx fail immediately.
func (c *Client) Execute(ctx context.Context, method, path string, query url.Values, payload []byte) (*Response, error) {
	endpoint := endpointKey(method, path)

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	var lastErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		// Cooperative throttling: block this task, never fail the chunk,
		// when the local window is exhausted.
		if err := c.limiter.WaitIfNeeded(ctx, endpoint); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		resp, err := c.doOnce(ctx, method, path, query, payload)

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Supplier is hard down; fail fast instead of burning the
			// retry budget of every chunk.
			requestsTotal.WithLabelValues(endpoint, "breaker_open").Inc()
			return nil, &APIError{
				Class:   ErrorClassServer,
				Message: "circuit breaker open",
				Err:     err,
			}
		}

		remaining := c.recordRateHeaders(ctx, endpoint, resp)

		class := c.classifyOutcome(resp, err)
		if class == "" {
			// Success.
			requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
			c.logger.Info().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Int("remaining", remaining).
				Dur("duration", time.Since(start)).
				Msg("Supplier request complete")
			return resp, nil
		}

		errorsTotal.WithLabelValues(string(class)).Inc()
		lastErr = c.terminalError(resp, err, class)

		if !shouldRetry(class) {
			requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Str("error_class", string(class)).
				Msg("Supplier request failed, not retryable")
			return nil, lastErr
		}

		if attempt >= c.config.MaxAttempts {
			break
		}

		wait := c.retryDelay(ctx, endpoint, class, resp, attempt)
		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Str("error_class", string(class)).
			Dur("backoff", wait).
			Int("remaining", remaining).
			Msg("Retrying supplier request after backoff")

		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	retryExhaustedTotal.WithLabelValues(string(classOf(lastErr))).Inc()
	c.logger.Error().
		Str("endpoint", endpoint).
		Int("max_attempts", c.config.MaxAttempts).
		Err(lastErr).
		Msg("Supplier retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, c.config.MaxAttempts, lastErr)
}

// doOnce issues a single HTTP request through the circuit breaker and reads
// the response fully. A 5xx counts as a breaker failure; 4xx does not.
func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload []byte) (*Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		reqURL := strings.TrimRight(c.config.BaseURL, "/") + path
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if c.config.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.Token)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}

		resp := &Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header.Clone(),
			Body:       data,
		}

		if httpResp.StatusCode >= 500 {
			// Report 5xx as a breaker failure but hand the response back
			// so the retry loop can inspect it.
			return resp, &APIError{
				StatusCode: httpResp.StatusCode,
				Class:      ErrorClassServer,
				Message:    httpResp.Status,
			}
		}
		return resp, nil
	})

	resp, _ := result.(*Response)
	if err != nil && resp != nil {
		// 5xx path: response available alongside the breaker failure.
		return resp, nil
	}
	return resp, err
}

// classifyOutcome maps a response/error pair to an error class, "" on success.
func (c *Client) classifyOutcome(resp *Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}
	return classify(resp.StatusCode, nil)
}

// terminalError builds the classified error that surfaces if no retry succeeds.
func (c *Client) terminalError(resp *Response, err error, class ErrorClass) error {
	if err != nil {
		return &APIError{Class: class, Message: "request failed", Err: err}
	}
	msg := http.StatusText(resp.StatusCode)
	if len(resp.Body) > 0 && len(resp.Body) <= 512 {
		msg = strings.TrimSpace(string(resp.Body))
	}
	return &APIError{StatusCode: resp.StatusCode, Class: class, Message: msg}
}

// retryDelay returns how long to wait before the next attempt. A 429 with
// Retry-After sleeps exactly that long; the server has stated its cooldown.
func (c *Client) retryDelay(ctx context.Context, endpoint string, class ErrorClass, resp *Response, attempt int) time.Duration {
	if class == ErrorClassRateLimit && resp != nil {
		if after := resp.Header.Get("Retry-After"); after != "" {
			if seconds, err := strconv.Atoi(after); err == nil && seconds >= 0 {
				return time.Duration(seconds) * time.Second
			}
		}
		if state, err := c.limiter.State(ctx, endpoint); err == nil && state != nil {
			return state.TimeUntilReset(time.Now())
		}
	}
	return c.backoff.delayFor(attempt)
}

// recordRateHeaders feeds X-RateLimit-* headers into the limiter and returns
// the observed headroom (-1 when the headers are absent).
func (c *Client) recordRateHeaders(ctx context.Context, endpoint string, resp *Response) int {
	if resp == nil {
		return -1
	}

	limitStr := resp.Header.Get("X-RateLimit-Limit")
	remainingStr := resp.Header.Get("X-RateLimit-Remaining")
	if limitStr == "" || remainingStr == "" {
		return -1
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return -1
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return -1
	}

	resetAt := time.Now().Add(time.Minute)
	if resetStr := resp.Header.Get("X-RateLimit-Reset"); resetStr != "" {
		if resetVal, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			if resetVal > 1_000_000_000 {
				// Unix timestamp form.
				resetAt = time.Unix(resetVal, 0)
			} else {
				// Seconds-until-reset form.
				resetAt = time.Now().Add(time.Duration(resetVal) * time.Second)
			}
		}
	}

	if err := c.limiter.RecordResponse(ctx, endpoint, limit, remaining, resetAt); err != nil {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to record rate limit headers")
	}
	return remaining
}

// classOf extracts the error class from a terminal error for metrics.
func classOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ErrorClassNetwork
}

// endpointKey is the logical rate-limit key for a request. The method is
// included because suppliers commonly quota reads and writes separately.
func endpointKey(method, path string) string {
	return method + " " + path
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
