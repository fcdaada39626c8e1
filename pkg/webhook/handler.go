package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/craftport/podsync/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// SignatureHeader carries the hex HMAC-SHA256 signature of the request body.
const SignatureHeader = "X-Signature"

// inboundLimitKey is the shared rate limit bucket for all webhook deliveries.
const inboundLimitKey = "webhook:inbound"

// Handler exposes the ingestor over HTTP.
type Handler struct {
	ingestor *Ingestor
	limiter  *ratelimit.Limiter
	maxBody  int64
	logger   zerolog.Logger
}

// NewHandler creates the webhook HTTP handler. limiter may be nil to disable
// inbound rate limiting.
func NewHandler(ingestor *Ingestor, limiter *ratelimit.Limiter, maxBody int64, logger zerolog.Logger) *Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		ingestor: ingestor,
		limiter:  limiter,
		maxBody:  maxBody,
		logger:   logger.With().Str("component", "webhook_http").Logger(),
	}
}

// ServeHTTP implements http.Handler. Accepted deliveries get 202 before any
// processing happens; the receipt carries the batch ID to poll.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.limiter != nil {
		if _, err := h.limiter.Reserve(r.Context(), inboundLimitKey); err != nil {
			var exceeded *ratelimit.ExceededError
			if errors.As(err, &exceeded) {
				w.Header().Set("Retry-After", formatSeconds(exceeded.RetryAfter))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			h.logger.Error().Err(err).Msg("Inbound rate limit check failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}

	receipt, err := h.ingestor.Ingest(r.Context(), body, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	case errors.Is(err, ErrSchemaInvalid):
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("Webhook ingestion failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(receipt); err != nil {
		h.logger.Error().Err(err).Msg("Failed to write webhook receipt")
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
