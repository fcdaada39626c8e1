package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for orchestration.
var (
	itemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_items_processed_total",
		Help: "Items processed by outcome",
	}, []string{"outcome"})

	batchesCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_batches_completed_total",
		Help: "Batches reaching a terminal status, by status",
	}, []string{"status"})

	chunkDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "podsync_chunk_duration_seconds",
		Help:    "Wall time spent executing one chunk",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)

// ItemProcessor applies one work item. The orchestrator is generic over what
// an item means: product import, order push, webhook application.
type ItemProcessor func(ctx context.Context, itemID string) error

// CompletionHook is invoked exactly once per batch, after the batch reaches
// a terminal status.
type CompletionHook func(ctx context.Context, stats CompletionStats)

// Config holds orchestrator settings.
type Config struct {
	// ChunkSize is the number of items per chunk.
	ChunkSize int

	// Stagger delays chunk i by i*Stagger to smooth load on the supplier.
	Stagger time.Duration

	// MaxChunkRetries caps orchestration-level re-queues of a failed chunk.
	MaxChunkRetries int
}

// Orchestrator splits item sets into chunks, schedules their execution, and
// aggregates outcomes into batch progress.
type Orchestrator struct {
	store      *Store
	sched      Scheduler
	process    ItemProcessor
	onComplete CompletionHook
	config     Config
	logger     zerolog.Logger
}

// New creates an orchestrator. The completion hook may be nil.
func New(store *Store, sched Scheduler, process ItemProcessor, onComplete CompletionHook, cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if process == nil {
		return nil, fmt.Errorf("item processor is required")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive (got %d)", cfg.ChunkSize)
	}
	if cfg.MaxChunkRetries < 0 {
		cfg.MaxChunkRetries = 0
	}
	return &Orchestrator{
		store:      store,
		sched:      sched,
		process:    process,
		onComplete: onComplete,
		config:     cfg,
		logger:     logger,
	}, nil
}

// SplitItems partitions ids into ordered groups of at most size items.
// The concatenation of the groups reconstructs ids exactly.
func SplitItems(ids []string, size int) [][]string {
	if size <= 0 || len(ids) == 0 {
		return nil
	}
	groups := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		groups = append(groups, ids[start:end])
	}
	return groups
}

// Initiate creates a batch for itemIDs, persists its chunks, and schedules
// each chunk for deferred execution. Returns the batch id.
func (o *Orchestrator) Initiate(ctx context.Context, itemIDs []string, createdBy string) (string, error) {
	if len(itemIDs) == 0 {
		return "", fmt.Errorf("no items to process")
	}

	groups := SplitItems(itemIDs, o.config.ChunkSize)

	batch, err := o.store.CreateBatch(ctx, len(itemIDs), len(groups), createdBy)
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	if err := o.store.CreateChunks(ctx, batch.ID, groups); err != nil {
		return "", fmt.Errorf("create chunks: %w", err)
	}

	o.logger.Info().
		Str("batch_id", batch.ID).
		Str("created_by", createdBy).
		Int("total_items", len(itemIDs)).
		Int("chunks", len(groups)).
		Msg("Batch initiated")

	for i := range groups {
		index := i
		o.sched.Schedule(time.Duration(index)*o.config.Stagger, func() {
			if err := o.RunChunk(context.Background(), batch.ID, index); err != nil {
				o.logger.Error().
					Err(err).
					Str("batch_id", batch.ID).
					Int("chunk_index", index).
					Msg("Chunk execution error")
			}
		})
	}

	return batch.ID, nil
}

// RunChunk executes one chunk. Duplicate firings, retries after a crash, and
// concurrent workers are all safe: the pending→processing claim goes through
// compare-and-set, and a lost claim is a silent no-op.
func (o *Orchestrator) RunChunk(ctx context.Context, batchID string, index int) error {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status == BatchCancelled {
		o.logger.Debug().
			Str("batch_id", batchID).
			Int("chunk_index", index).
			Msg("Chunk skipped, batch cancelled")
		return nil
	}

	claimed, err := o.store.TransitionChunk(ctx, batchID, index, ChunkPending, ChunkProcessing, nil)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker owns it, or it already resolved.
		o.logger.Debug().
			Str("batch_id", batchID).
			Int("chunk_index", index).
			Msg("Chunk claim lost")
		return nil
	}

	chunk, err := o.store.GetChunk(ctx, batchID, index)
	if err != nil {
		return err
	}

	start := time.Now()
	failed := 0
	firstErr := ""
	for _, itemID := range chunk.ItemIDs {
		if err := o.process(ctx, itemID); err != nil {
			// Item failures are counted, not propagated: siblings still run,
			// and already-applied items are not rolled back.
			failed++
			if firstErr == "" {
				firstErr = fmt.Sprintf("item %s: %v", itemID, err)
			}
			itemsProcessedTotal.WithLabelValues("failed").Inc()
			o.logger.Warn().
				Err(err).
				Str("batch_id", batchID).
				Int("chunk_index", index).
				Str("item_id", itemID).
				Msg("Item processing failed")
			continue
		}
		itemsProcessedTotal.WithLabelValues("success").Inc()
	}
	chunkDurationSeconds.Observe(time.Since(start).Seconds())

	to := ChunkCompleted
	if failed > 0 {
		to = ChunkFailed
	}
	if _, err := o.store.TransitionChunk(ctx, batchID, index, ChunkProcessing, to, func(c *Chunk) {
		c.ItemsFailed = failed
		if failed > 0 {
			c.Error = fmt.Sprintf("%d/%d items failed; first: %s", failed, len(chunk.ItemIDs), firstErr)
		}
	}); err != nil {
		return err
	}

	return o.finalize(ctx, batchID)
}

// RetryChunk re-queues a failed chunk and schedules it, bounded by the
// configured per-chunk retry cap. Returns true if a retry was scheduled.
func (o *Orchestrator) RetryChunk(ctx context.Context, batchID string, index int) (bool, error) {
	requeued, err := o.store.Requeue(ctx, batchID, index, o.config.MaxChunkRetries)
	if err != nil {
		return false, err
	}
	if !requeued {
		return false, nil
	}

	o.logger.Info().
		Str("batch_id", batchID).
		Int("chunk_index", index).
		Msg("Failed chunk re-queued")

	o.sched.Schedule(0, func() {
		if err := o.RunChunk(context.Background(), batchID, index); err != nil {
			o.logger.Error().
				Err(err).
				Str("batch_id", batchID).
				Int("chunk_index", index).
				Msg("Chunk retry error")
		}
	})
	return true, nil
}

// SweepFailed re-queues every failed chunk of a batch that still has retry
// budget. Used by the periodic sweep and by operators.
func (o *Orchestrator) SweepFailed(ctx context.Context, batchID string) (int, error) {
	chunks, err := o.store.ListChunks(ctx, batchID)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, chunk := range chunks {
		if chunk.Status != ChunkFailed {
			continue
		}
		ok, err := o.RetryChunk(ctx, batchID, chunk.Index)
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
		}
	}
	return requeued, nil
}

// Cancel marks the batch cancelled. Scheduled chunk executions observe the
// status before claiming and become no-ops; in-flight work is not aborted.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) (bool, error) {
	return o.store.Cancel(ctx, batchID)
}

// Progress returns the cheap, snapshot-first batch summary.
func (o *Orchestrator) Progress(ctx context.Context, batchID string) (*Progress, error) {
	return o.store.Progress(ctx, batchID)
}

// finalize recomputes progress and, when the batch just reached a terminal
// status, fires the completion hook. The hook fires exactly once no matter
// how many chunk executions race here: MarkCompletionFired is a
// compare-and-set and only the winner proceeds.
func (o *Orchestrator) finalize(ctx context.Context, batchID string) error {
	batch, err := o.store.RecomputeProgress(ctx, batchID)
	if err != nil {
		return err
	}
	if !batch.Status.Terminal() || batch.Status == BatchCancelled {
		return nil
	}

	won, err := o.store.MarkCompletionFired(ctx, batchID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	batchesCompletedTotal.WithLabelValues(string(batch.Status)).Inc()

	failedItems := 0
	chunks, err := o.store.ListChunks(ctx, batchID)
	if err == nil {
		for _, chunk := range chunks {
			failedItems += chunk.ItemsFailed
		}
	}

	stats := CompletionStats{
		BatchID:  batchID,
		Total:    batch.TotalItems,
		Success:  batch.TotalItems - failedItems,
		Failed:   failedItems,
		Duration: batch.LastUpdatedAt.Sub(batch.CreatedAt),
	}

	o.logger.Info().
		Str("batch_id", batchID).
		Str("status", string(batch.Status)).
		Int("total", stats.Total).
		Int("failed", stats.Failed).
		Dur("duration", stats.Duration).
		Msg("Batch complete")

	if o.onComplete != nil {
		o.onComplete(ctx, stats)
	}
	return nil
}
