// Package webhook receives supplier event notifications, verifies their
// signature, deduplicates replayed deliveries, and hands accepted events to
// the batch pipeline. Processing is never done inline with the request.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/craftport/podsync/pkg/batch"
	"github.com/craftport/podsync/pkg/fingerprint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for webhook ingestion.
var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_webhook_events_total",
		Help: "Webhook deliveries by outcome (accepted, duplicate, invalid_signature, invalid_schema)",
	}, []string{"outcome"})
)

// ErrSignatureInvalid is returned when the payload signature does not match.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ErrSchemaInvalid is returned when the payload is not a well-formed event.
var ErrSchemaInvalid = errors.New("webhook payload invalid")

// Event is the supplier's notification payload.
type Event struct {
	SubjectID string `json:"subject_id"`
	ShopID    string `json:"shop_id"`
	Event     string `json:"event"`
}

// ItemID encodes the event as a batch item identifier, so the generic chunk
// pipeline can carry webhook work without knowing about events.
func (e Event) ItemID() string {
	return e.Event + ":" + e.SubjectID
}

// ParseItemID recovers the event name and subject from an encoded item ID.
func ParseItemID(itemID string) (event, subjectID string, err error) {
	for i := 0; i < len(itemID); i++ {
		if itemID[i] == ':' {
			return itemID[:i], itemID[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed webhook item id %q", itemID)
}

// dedupKey identifies a delivery for replay suppression. Two deliveries of
// the same event for the same subject within the window are one delivery.
func (e Event) dedupKey() string {
	return e.ShopID + ":" + e.Event + ":" + e.SubjectID
}

// Receipt reports what ingestion did with a delivery.
type Receipt struct {
	BatchID   string `json:"batch_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// Ingestor validates deliveries and enqueues them for batch processing.
type Ingestor struct {
	secret       []byte
	dedup        *fingerprint.Detector
	orchestrator *batch.Orchestrator
	logger       zerolog.Logger
}

// NewIngestor creates an ingestor. The detector must be namespaced for
// webhook deduplication and carry the dedup-window TTL.
func NewIngestor(secret string, dedup *fingerprint.Detector, orch *batch.Orchestrator, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		secret:       []byte(secret),
		dedup:        dedup,
		orchestrator: orch,
		logger:       logger.With().Str("component", "webhook").Logger(),
	}
}

// VerifySignature checks the hex-encoded HMAC-SHA256 signature over the raw
// body. Comparison is constant time.
func (i *Ingestor) VerifySignature(body []byte, signature string) error {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(signature)) {
		eventsTotal.WithLabelValues("invalid_signature").Inc()
		return ErrSignatureInvalid
	}
	return nil
}

// Ingest verifies, parses, deduplicates, and enqueues one delivery. The
// returned receipt is what the HTTP layer acknowledges with; actual
// processing happens later in the chunk pipeline.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, signature string) (*Receipt, error) {
	if err := i.VerifySignature(body, signature); err != nil {
		i.logger.Warn().Msg("Rejected webhook with invalid signature")
		return nil, err
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		eventsTotal.WithLabelValues("invalid_schema").Inc()
		return nil, fmt.Errorf("%w: %s", ErrSchemaInvalid, err)
	}
	if event.SubjectID == "" || event.ShopID == "" || event.Event == "" {
		eventsTotal.WithLabelValues("invalid_schema").Inc()
		return nil, fmt.Errorf("%w: subject_id, shop_id, and event are required", ErrSchemaInvalid)
	}

	// The dedup marker is reserved before any work is enqueued, so two
	// concurrent identical deliveries see exactly one winner. The
	// fingerprint covers the payload: the same event with a different body
	// is new work, not a replay.
	fp := fingerprint.FromContent(body)
	won, err := i.dedup.TryRecord(ctx, event.dedupKey(), fp)
	if err != nil {
		return nil, fmt.Errorf("dedup reserve: %w", err)
	}
	if !won {
		changed, err := i.dedup.HasChanged(ctx, event.dedupKey(), fp)
		if err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if !changed {
			eventsTotal.WithLabelValues("duplicate").Inc()
			i.logger.Info().
				Str("event", event.Event).
				Str("subject_id", event.SubjectID).
				Msg("Suppressed duplicate webhook delivery")
			return &Receipt{Duplicate: true}, nil
		}
		if err := i.dedup.Record(ctx, event.dedupKey(), fp); err != nil {
			return nil, fmt.Errorf("dedup update: %w", err)
		}
	}

	batchID, err := i.orchestrator.Initiate(ctx, []string{event.ItemID()}, "webhook:"+event.ShopID)
	if err != nil {
		// Release the marker so a redelivery is not suppressed while the
		// event was never enqueued.
		if ferr := i.dedup.Forget(ctx, event.dedupKey()); ferr != nil {
			i.logger.Warn().Err(ferr).Msg("Failed to release webhook dedup marker")
		}
		return nil, fmt.Errorf("enqueue webhook event: %w", err)
	}

	eventsTotal.WithLabelValues("accepted").Inc()
	i.logger.Info().
		Str("event", event.Event).
		Str("subject_id", event.SubjectID).
		Str("shop_id", event.ShopID).
		Str("batch_id", batchID).
		Msg("Accepted webhook delivery")

	return &Receipt{BatchID: batchID}, nil
}
