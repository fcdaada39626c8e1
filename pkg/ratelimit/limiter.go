package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/craftport/podsync/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limiting.
var (
	rateLimitBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_rate_limit_blocks_total",
		Help: "Total requests rejected because the window quota was exhausted",
	}, []string{"endpoint"})

	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "podsync_rate_limit_wait_seconds",
		Help:    "Time spent blocked in WaitIfNeeded by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"endpoint"})

	rateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "podsync_rate_limit_remaining",
		Help: "Requests remaining in the current window by endpoint",
	}, []string{"endpoint"})
)

// casAttempts bounds the optimistic-update loop under write contention.
const casAttempts = 10

// ExceededError is returned by Reserve when the window quota is exhausted.
// It carries the wait required before the next request can go out, so
// fail-fast call sites can surface it without retry.
type ExceededError struct {
	Key        string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

// Limiter tracks a sliding request window per endpoint key. State lives in
// the injected KV store so all process instances share one quota.
type Limiter struct {
	kv     store.KV
	window time.Duration
	max    int
	logger zerolog.Logger

	// now is overridable in tests.
	now func() time.Time
}

// New creates a limiter allowing max requests per rolling window.
func New(kv store.KV, window time.Duration, max int, logger zerolog.Logger) *Limiter {
	return &Limiter{
		kv:     kv,
		window: window,
		max:    max,
		logger: logger,
		now:    time.Now,
	}
}

// Allow consumes one slot for key if the window has headroom.
// Returns false, without consuming, when the quota is exhausted.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	_, err := l.Reserve(ctx, key)
	var exceeded *ExceededError
	if errors.As(err, &exceeded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reserve consumes one slot for key or returns an *ExceededError carrying
// the required wait. Foreground call sites use this to fail fast.
func (l *Limiter) Reserve(ctx context.Context, key string) (*WindowState, error) {
	storeKey := l.storeKey(key)

	for attempt := 0; attempt < casAttempts; attempt++ {
		now := l.now()

		data, err := l.kv.Get(ctx, storeKey)
		if err == store.ErrNotFound {
			state := l.freshState(now)
			encoded, err := json.Marshal(state)
			if err != nil {
				return nil, fmt.Errorf("marshal window state: %w", err)
			}
			ok, err := l.kv.SetNX(ctx, storeKey, encoded, l.stateTTL())
			if err != nil {
				return nil, fmt.Errorf("init window state: %w", err)
			}
			if !ok {
				// Another caller created the window first.
				continue
			}
			rateLimitRemaining.WithLabelValues(key).Set(float64(state.Remaining))
			return state, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get window state: %w", err)
		}

		var state WindowState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("parse window state: %w", err)
		}

		var next *WindowState
		switch {
		case state.Expired(now):
			next = l.freshState(now)
		case state.Exhausted():
			retryAfter := state.TimeUntilReset(now)
			rateLimitBlocksTotal.WithLabelValues(key).Inc()
			l.logger.Warn().
				Str("endpoint", key).
				Int("limit", state.Limit).
				Dur("retry_after", retryAfter).
				Msg("Rate limit window exhausted")
			return nil, &ExceededError{Key: key, RetryAfter: retryAfter}
		default:
			updated := state
			updated.Count++
			updated.Remaining--
			updated.LastUpdate = now
			next = &updated
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal window state: %w", err)
		}
		ok, err := l.kv.CompareAndSwap(ctx, storeKey, data, encoded, l.stateTTL())
		if err != nil {
			return nil, fmt.Errorf("update window state: %w", err)
		}
		if ok {
			rateLimitRemaining.WithLabelValues(key).Set(float64(next.Remaining))
			return next, nil
		}
		// Lost the swap to a concurrent caller; re-read and retry.
	}

	return nil, fmt.Errorf("window state contention for %s: %d attempts exhausted", key, casAttempts)
}

// WaitIfNeeded consumes one slot for key, blocking the calling task until
// the window rolls over when the quota is exhausted. Background jobs use
// this for cooperative throttling. The wait respects context cancellation.
func (l *Limiter) WaitIfNeeded(ctx context.Context, key string) error {
	for {
		_, err := l.Reserve(ctx, key)
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) {
			return err
		}

		wait := exceeded.RetryAfter
		if wait <= 0 {
			continue
		}
		rateLimitWaitSeconds.WithLabelValues(key).Observe(wait.Seconds())
		l.logger.Debug().
			Str("endpoint", key).
			Dur("wait", wait).
			Msg("Waiting for rate limit window reset")

		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// RecordResponse overwrites the window state for key with server-supplied
// header values. Server data supersedes local counting the moment it is
// available.
func (l *Limiter) RecordResponse(ctx context.Context, key string, limit, remaining int, resetAt time.Time) error {
	now := l.now()
	state := &WindowState{
		WindowStart: now,
		Count:       limit - remaining,
		Limit:       limit,
		Remaining:   remaining,
		ResetAt:     resetAt,
		LastUpdate:  now,
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal window state: %w", err)
	}
	if err := l.kv.Set(ctx, l.storeKey(key), encoded, l.stateTTL()); err != nil {
		return fmt.Errorf("store window state: %w", err)
	}

	rateLimitRemaining.WithLabelValues(key).Set(float64(remaining))
	l.logger.Debug().
		Str("endpoint", key).
		Int("limit", limit).
		Int("remaining", remaining).
		Time("reset_at", resetAt).
		Msg("Rate limit state updated from response headers")
	return nil
}

// State returns the current window state for key, or nil if none exists.
func (l *Limiter) State(ctx context.Context, key string) (*WindowState, error) {
	data, err := l.kv.Get(ctx, l.storeKey(key))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get window state: %w", err)
	}

	var state WindowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse window state: %w", err)
	}
	return &state, nil
}

func (l *Limiter) freshState(now time.Time) *WindowState {
	return &WindowState{
		WindowStart: now,
		Count:       1,
		Limit:       l.max,
		Remaining:   l.max - 1,
		ResetAt:     now.Add(l.window),
		LastUpdate:  now,
	}
}

func (l *Limiter) storeKey(key string) string {
	return "ratelimit:" + key
}

// stateTTL keeps stale windows from accumulating in the store. Twice the
// window is enough; an expired entry is rebuilt on the next Reserve.
func (l *Limiter) stateTTL() time.Duration {
	return 2 * l.window
}
