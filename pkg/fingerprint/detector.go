// Package fingerprint detects whether a remote asset changed since it was
// last applied. Fingerprints are the supplier's ETag when available, else a
// content hash. Item strategies use this to keep replayed webhooks and
// retried chunks cheap on the no-op path.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/craftport/podsync/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for change detection.
var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_fingerprint_checks_total",
		Help: "Fingerprint checks by outcome (changed, unchanged)",
	}, []string{"outcome"})
)

// record is the stored fingerprint row per subject.
type record struct {
	Fingerprint   string    `json:"fingerprint"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// Detector stores and compares per-subject fingerprints.
type Detector struct {
	kv     store.KV
	prefix string
	ttl    time.Duration

	// now is overridable in tests.
	now func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithTTL expires fingerprint records after d. Used for webhook
// deduplication, where a fingerprint should only suppress duplicates
// within a short delivery window.
func WithTTL(d time.Duration) Option {
	return func(det *Detector) { det.ttl = d }
}

// WithPrefix namespaces the stored keys. Distinct consumers (product sync,
// webhook dedup) must not share fingerprints.
func WithPrefix(prefix string) Option {
	return func(det *Detector) { det.prefix = prefix }
}

// New creates a detector on the given KV backend.
func New(kv store.KV, opts ...Option) *Detector {
	det := &Detector{
		kv:     kv,
		prefix: "fingerprint",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(det)
	}
	return det
}

// HasChanged reports whether fp differs from the last recorded fingerprint
// for subjectID. An unknown subject always counts as changed.
func (d *Detector) HasChanged(ctx context.Context, subjectID, fp string) (bool, error) {
	data, err := d.kv.Get(ctx, d.key(subjectID))
	if err == store.ErrNotFound {
		checksTotal.WithLabelValues("changed").Inc()
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get fingerprint: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, fmt.Errorf("parse fingerprint: %w", err)
	}

	changed := rec.Fingerprint != fp
	if changed {
		checksTotal.WithLabelValues("changed").Inc()
	} else {
		checksTotal.WithLabelValues("unchanged").Inc()
	}
	return changed, nil
}

// Record stores fp as the current fingerprint for subjectID. Call only after
// a successful apply, so a failed apply is re-attempted on the next pass.
func (d *Detector) Record(ctx context.Context, subjectID, fp string) error {
	rec := record{
		Fingerprint:   fp,
		LastCheckedAt: d.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal fingerprint: %w", err)
	}
	if err := d.kv.Set(ctx, d.key(subjectID), data, d.ttl); err != nil {
		return fmt.Errorf("store fingerprint: %w", err)
	}
	return nil
}

// TryRecord stores fp only when no fingerprint exists for subjectID yet.
// Returns true when this caller won the write. Concurrent callers racing on
// the same subject see exactly one winner; the losers read the stored
// record via HasChanged.
func (d *Detector) TryRecord(ctx context.Context, subjectID, fp string) (bool, error) {
	rec := record{
		Fingerprint:   fp,
		LastCheckedAt: d.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal fingerprint: %w", err)
	}
	won, err := d.kv.SetNX(ctx, d.key(subjectID), data, d.ttl)
	if err != nil {
		return false, fmt.Errorf("store fingerprint: %w", err)
	}
	return won, nil
}

// Forget drops the stored fingerprint so the next check re-applies.
func (d *Detector) Forget(ctx context.Context, subjectID string) error {
	return d.kv.Delete(ctx, d.key(subjectID))
}

func (d *Detector) key(subjectID string) string {
	return d.prefix + ":" + subjectID
}

// FromETag normalizes a response ETag into a fingerprint. Weak-validator
// prefixes and quotes are stripped so representation changes the supplier
// considers equivalent do not force a re-apply.
func FromETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// FromContent hashes a response body into a fingerprint, for suppliers that
// do not send ETags.
func FromContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FromResponse prefers the ETag and falls back to hashing the body.
func FromResponse(etag string, body []byte) string {
	if etag != "" {
		return FromETag(etag)
	}
	return FromContent(body)
}
