package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_supplier_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "podsync_supplier_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_supplier_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// backoffSchedule computes exponential backoff delays with jitter.
type backoffSchedule struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
}

// delayFor returns the backoff before retrying after the given attempt
// (1-based). Jitter of ±20% prevents synchronized retries across chunks.
func (b backoffSchedule) delayFor(attempt int) time.Duration {
	delay := float64(b.initial)
	for i := 1; i < attempt; i++ {
		delay *= b.multiplier
		if delay >= float64(b.max) {
			delay = float64(b.max)
			break
		}
	}

	jittered := time.Duration(delay * (0.8 + rand.Float64()*0.4))
	if jittered > b.max {
		jittered = b.max
	}
	return jittered
}

// sleep waits for d with context cancellation support.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-time.After(d):
		return nil
	}
}
