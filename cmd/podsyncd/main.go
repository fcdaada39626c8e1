// podsyncd runs the supplier synchronization daemon: it receives supplier
// webhooks, serves the sync API, and works batches against the supplier.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/craftport/podsync/pkg/batch"
	"github.com/craftport/podsync/pkg/client"
	"github.com/craftport/podsync/pkg/config"
	"github.com/craftport/podsync/pkg/fingerprint"
	"github.com/craftport/podsync/pkg/logging"
	"github.com/craftport/podsync/pkg/ratelimit"
	"github.com/craftport/podsync/pkg/store"
	"github.com/craftport/podsync/pkg/strategy"
	"github.com/craftport/podsync/pkg/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.Log.Level),
		Pretty:  cfg.Log.Pretty,
		Secrets: []string{cfg.Supplier.Token, cfg.Webhook.Secret},
	})
	logger = logger.With().Str("component", "podsyncd").Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Daemon terminated")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	defer redisClient.Close()
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	kv := store.NewRedisKV(redisClient)

	supplierLimiter := ratelimit.New(kv, cfg.Supplier.RateLimitWindow, cfg.Supplier.RateLimitMaxRequests, logger)
	webhookLimiter := ratelimit.New(kv, cfg.Webhook.RateLimitWindow, cfg.Webhook.RateLimitMaxRequests, logger)

	supplier, err := client.New(client.Config{
		BaseURL:         cfg.Supplier.BaseURL,
		Token:           cfg.Supplier.Token,
		RequestTimeout:  cfg.Supplier.RequestTimeout,
		MaxAttempts:     cfg.Supplier.MaxAttempts,
		InitialBackoff:  cfg.Supplier.InitialBackoff,
		MaxBackoff:      cfg.Supplier.MaxBackoff,
		BreakerFailures: cfg.Supplier.BreakerFailures,
		BreakerCooldown: cfg.Supplier.BreakerCooldown,
	}, supplierLimiter, logger)
	if err != nil {
		return fmt.Errorf("supplier client: %w", err)
	}

	chunks := batch.NewStore(kv, batch.StoreConfig{
		Retention:   cfg.Batch.Retention,
		ProgressTTL: cfg.Batch.ProgressCacheTTL,
	}, logger)
	sched := batch.NewTimerScheduler()
	batchCfg := batch.Config{
		ChunkSize:       cfg.Batch.ChunkSize,
		Stagger:         cfg.Batch.ChunkStagger,
		MaxChunkRetries: cfg.Batch.MaxChunkRetries,
	}

	// The catalog lives in the same KV store. Larger deployments would point
	// the applier and status source at their product database instead.
	catalog := catalogStore{kv: kv}

	productFPs := fingerprint.New(kv, fingerprint.WithPrefix("fingerprint:product"))
	importer := strategy.NewProductImporter(supplier, productFPs, catalog, logger)
	pusher := strategy.NewOrderPusher(supplier, catalog, logger)

	onComplete := func(_ context.Context, stats batch.CompletionStats) {
		logger.Info().
			Str("batch_id", stats.BatchID).
			Int("total", stats.Total).
			Int("success", stats.Success).
			Int("failed", stats.Failed).
			Dur("duration", stats.Duration).
			Msg("Batch finished")
	}

	importOrch, err := batch.New(chunks, sched, importer.Process, onComplete, batchCfg, logger)
	if err != nil {
		return fmt.Errorf("import orchestrator: %w", err)
	}
	pushOrch, err := batch.New(chunks, sched, pusher.Process, onComplete, batchCfg, logger)
	if err != nil {
		return fmt.Errorf("push orchestrator: %w", err)
	}

	router := strategy.NewEventRouter(logger)
	router.Handle("product.updated", importer.Process)
	router.Handle("product.created", importer.Process)
	router.Handle("product.deleted", func(ctx context.Context, productID string) error {
		if err := catalog.Delete(ctx, productID); err != nil {
			return err
		}
		return productFPs.Forget(ctx, productID)
	})

	eventOrch, err := batch.New(chunks, sched, router.Process, onComplete, batchCfg, logger)
	if err != nil {
		return fmt.Errorf("event orchestrator: %w", err)
	}

	dedup := fingerprint.New(kv, fingerprint.WithPrefix("webhook:dedup"), fingerprint.WithTTL(cfg.Webhook.DedupWindow))
	ingestor := webhook.NewIngestor(cfg.Webhook.Secret, dedup, eventOrch, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("POST /webhook", webhook.NewHandler(ingestor, webhookLimiter, cfg.Webhook.MaxBodyBytes, logger))

	// Sweeps and cancels go through the orchestrator that owns the batch,
	// dispatched on the batch's creator tag, so requeued chunks rerun the
	// same item processor as the original execution.
	owners := map[string]*batch.Orchestrator{
		"api:product_import": importOrch,
		"api:order_push":     pushOrch,
		"webhook":            eventOrch,
	}

	api := &apiHandler{
		orchestrators: map[string]*batch.Orchestrator{
			"product_import": importOrch,
			"order_push":     pushOrch,
		},
		owners: owners,
		chunks: chunks,
		logger: logger,
	}
	mux.HandleFunc("POST /sync", api.startSync)
	mux.HandleFunc("GET /batches/{id}/progress", api.progress)
	mux.HandleFunc("POST /batches/{id}/cancel", api.cancel)

	sw := &sweeper{
		chunks:  chunks,
		byOwner: owners,
		logger:  logger,
	}
	go sw.run(ctx, cfg.Batch.SweepInterval)

	server := &http.Server{
		Addr:    ":" + cfg.App.Port,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// catalogStore keeps imported products and order statuses in the shared KV
// store.
type catalogStore struct {
	kv store.KV
}

func (c catalogStore) Apply(ctx context.Context, productID string, payload []byte) error {
	return c.kv.Set(ctx, "catalog:product:"+productID, payload, 0)
}

func (c catalogStore) Delete(ctx context.Context, productID string) error {
	return c.kv.Delete(ctx, "catalog:product:"+productID)
}

func (c catalogStore) OrderStatus(ctx context.Context, orderID string) (string, error) {
	data, err := c.kv.Get(ctx, "catalog:order:"+orderID+":status")
	if err != nil {
		return "", fmt.Errorf("order %s status: %w", orderID, err)
	}
	return string(data), nil
}

type apiHandler struct {
	orchestrators map[string]*batch.Orchestrator
	owners        map[string]*batch.Orchestrator
	chunks        *batch.Store
	logger        zerolog.Logger
}

type syncRequest struct {
	Type    string   `json:"type"`
	ItemIDs []string `json:"item_ids"`
}

func (h *apiHandler) startSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	orch, ok := h.orchestrators[req.Type]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown sync type %q", req.Type), http.StatusBadRequest)
		return
	}

	batchID, err := orch.Initiate(r.Context(), req.ItemIDs, "api:"+req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"batch_id": batchID})
}

func (h *apiHandler) progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.chunks.Progress(r.Context(), r.PathValue("id"))
	if errors.Is(err, batch.ErrBatchNotFound) {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Progress lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(progress)
}

func (h *apiHandler) cancel(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")

	orch, err := ownerOrchestrator(r.Context(), h.chunks, h.owners, batchID)

	var cancelled bool
	if err == nil {
		if orch != nil {
			cancelled, err = orch.Cancel(r.Context(), batchID)
		} else {
			// Batches with an unrecognized creator tag cancel through the
			// store directly.
			cancelled, err = h.chunks.Cancel(r.Context(), batchID)
		}
	}
	if errors.Is(err, batch.ErrBatchNotFound) {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Cancel failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

// sweeper periodically requeues failed chunks of batches that can still
// make progress, dispatching each batch to its owning orchestrator.
type sweeper struct {
	chunks  *batch.Store
	byOwner map[string]*batch.Orchestrator
	logger  zerolog.Logger
}

func (s *sweeper) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *sweeper) sweep(ctx context.Context) {
	ids, err := s.chunks.ActiveBatchIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sweep could not list batches")
		return
	}

	for _, id := range ids {
		orch := s.owner(ctx, id)
		if orch == nil {
			continue
		}
		requeued, err := orch.SweepFailed(ctx, id)
		if err != nil {
			s.logger.Error().Err(err).Str("batch_id", id).Msg("Sweep failed")
			continue
		}
		if requeued > 0 {
			s.logger.Info().Str("batch_id", id).Int("requeued", requeued).Msg("Requeued failed chunks")
		}
	}
}

func (s *sweeper) owner(ctx context.Context, batchID string) *batch.Orchestrator {
	orch, err := ownerOrchestrator(ctx, s.chunks, s.byOwner, batchID)
	if err != nil {
		return nil
	}
	return orch
}

// ownerOrchestrator resolves the orchestrator that created a batch from its
// creator tag. Returns nil without error for tags no orchestrator claims.
func ownerOrchestrator(ctx context.Context, chunks *batch.Store, owners map[string]*batch.Orchestrator, batchID string) (*batch.Orchestrator, error) {
	b, err := chunks.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if orch, ok := owners[b.CreatedBy]; ok {
		return orch, nil
	}
	// Webhook batches carry the shop ID in the creator tag.
	if strings.HasPrefix(b.CreatedBy, "webhook:") {
		return owners["webhook"], nil
	}
	return nil, nil
}
