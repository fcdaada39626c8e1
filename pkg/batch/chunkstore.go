package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/craftport/podsync/pkg/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch state.
var (
	batchesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podsync_batches_created_total",
		Help: "Total batches created",
	})

	chunkTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_chunk_transitions_total",
		Help: "Chunk status transitions by target status",
	}, []string{"to"})

	chunkClaimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podsync_chunk_claim_conflicts_total",
		Help: "Chunk claims lost to a concurrent worker (expected race outcome)",
	})

	progressSnapshotHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podsync_progress_reads_total",
		Help: "Progress reads by source (snapshot or recompute)",
	}, []string{"source"})
)

// ErrBatchNotFound indicates the batch id has no record (never created, or
// past its retention window).
var ErrBatchNotFound = errors.New("batch not found")

// ErrChunkNotFound indicates the chunk index has no record.
var ErrChunkNotFound = errors.New("chunk not found")

// casRetries bounds optimistic-update loops on the batch row.
const casRetries = 10

// Store persists batch and chunk records. It is the single source of truth
// for progress; all status transitions go through compare-and-set updates so
// overlapping scheduler firings and concurrent process instances cannot
// corrupt state.
type Store struct {
	kv          store.KV
	retention   time.Duration
	progressTTL time.Duration
	logger      zerolog.Logger

	// now is overridable in tests.
	now func() time.Time
}

// StoreConfig holds chunk store settings.
type StoreConfig struct {
	// Retention is how long batch and chunk records are kept.
	Retention time.Duration

	// ProgressTTL is the lifetime of the cached progress snapshot.
	ProgressTTL time.Duration
}

// NewStore creates a chunk store on the given KV backend.
func NewStore(kv store.KV, cfg StoreConfig, logger zerolog.Logger) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = 720 * time.Hour
	}
	if cfg.ProgressTTL <= 0 {
		cfg.ProgressTTL = 5 * time.Second
	}
	return &Store{
		kv:          kv,
		retention:   cfg.Retention,
		progressTTL: cfg.ProgressTTL,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateBatch persists a new pending batch and returns it.
func (s *Store) CreateBatch(ctx context.Context, totalItems, chunkCount int, createdBy string) (*Batch, error) {
	now := s.now()
	batch := &Batch{
		ID:            uuid.NewString(),
		TotalItems:    totalItems,
		ChunkCount:    chunkCount,
		Status:        BatchPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
		CreatedBy:     createdBy,
	}

	if err := s.writeBatch(ctx, batch); err != nil {
		return nil, err
	}
	batchesCreatedTotal.Inc()
	return batch, nil
}

// CreateChunks persists the pending chunk rows for a batch. Item groups are
// stored in order; the group index is the chunk index.
func (s *Store) CreateChunks(ctx context.Context, batchID string, groups [][]string) error {
	for i, items := range groups {
		chunk := Chunk{
			BatchID: batchID,
			Index:   i,
			ItemIDs: items,
			Status:  ChunkPending,
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("marshal chunk %d: %w", i, err)
		}
		if err := s.kv.Set(ctx, chunkKey(batchID, i), data, s.retention); err != nil {
			return fmt.Errorf("store chunk %d: %w", i, err)
		}
	}
	return nil
}

// GetBatch returns the batch record.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	data, err := s.kv.Get(ctx, batchKey(batchID))
	if err == store.ErrNotFound {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}

	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	return &batch, nil
}

// GetChunk returns one chunk record.
func (s *Store) GetChunk(ctx context.Context, batchID string, index int) (*Chunk, error) {
	data, err := s.kv.Get(ctx, chunkKey(batchID, index))
	if err == store.ErrNotFound {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}

	var chunk Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("parse chunk: %w", err)
	}
	return &chunk, nil
}

// ListChunks returns every chunk of a batch, ordered by index.
func (s *Store) ListChunks(ctx context.Context, batchID string) ([]*Chunk, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	chunks := make([]*Chunk, 0, batch.ChunkCount)
	for i := 0; i < batch.ChunkCount; i++ {
		chunk, err := s.GetChunk(ctx, batchID, i)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// ActiveBatchIDs returns the IDs of every batch that may still make
// progress: non-terminal batches plus those that completed with errors,
// whose failed chunks the retry sweep may requeue.
func (s *Store) ActiveBatchIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, "batch:*")
	if err != nil {
		return nil, fmt.Errorf("list batch keys: %w", err)
	}

	var ids []string
	for _, key := range keys {
		// The glob also matches chunk and progress keys under the batch
		// namespace; batch rows are exactly "batch:{id}".
		id := strings.TrimPrefix(key, "batch:")
		if strings.Contains(id, ":") {
			continue
		}
		batch, err := s.GetBatch(ctx, id)
		if err == ErrBatchNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !batch.Status.Terminal() || batch.Status == BatchCompletedWithErrors {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// TransitionChunk moves a chunk from one status to another via compare-and-set.
// Returns false without error when the current status no longer matches from
// (another worker won the claim, or the chunk already resolved). The mutate
// hook, when non-nil, adjusts the record as part of the same atomic update.
func (s *Store) TransitionChunk(ctx context.Context, batchID string, index int, from, to ChunkStatus, mutate func(*Chunk)) (bool, error) {
	old, err := s.kv.Get(ctx, chunkKey(batchID, index))
	if err == store.ErrNotFound {
		return false, ErrChunkNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get chunk: %w", err)
	}

	var chunk Chunk
	if err := json.Unmarshal(old, &chunk); err != nil {
		return false, fmt.Errorf("parse chunk: %w", err)
	}
	if chunk.Status != from {
		chunkClaimConflictsTotal.Inc()
		return false, nil
	}

	chunk.Status = to
	if to.Terminal() {
		chunk.CompletedAt = s.now()
	}
	if mutate != nil {
		mutate(&chunk)
	}

	updated, err := json.Marshal(chunk)
	if err != nil {
		return false, fmt.Errorf("marshal chunk: %w", err)
	}

	ok, err := s.kv.CompareAndSwap(ctx, chunkKey(batchID, index), old, updated, s.retention)
	if err != nil {
		return false, fmt.Errorf("swap chunk: %w", err)
	}
	if !ok {
		// The record changed between read and swap; the competing writer won.
		chunkClaimConflictsTotal.Inc()
		return false, nil
	}

	chunkTransitionsTotal.WithLabelValues(string(to)).Inc()
	return true, nil
}

// RecomputeProgress re-aggregates chunk counts into the batch row and derives
// the batch status. It is idempotent: with no chunk changes in between, a
// second call yields an identical batch row (modulo the update timestamp).
func (s *Store) RecomputeProgress(ctx context.Context, batchID string) (*Batch, error) {
	chunks, err := s.ListChunks(ctx, batchID)
	if err != nil {
		return nil, err
	}

	completed, failed := 0, 0
	for _, chunk := range chunks {
		switch chunk.Status {
		case ChunkCompleted:
			completed++
		case ChunkFailed:
			failed++
		}
	}

	var result *Batch
	for attempt := 0; attempt < casRetries; attempt++ {
		old, err := s.kv.Get(ctx, batchKey(batchID))
		if err == store.ErrNotFound {
			return nil, ErrBatchNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get batch: %w", err)
		}

		var batch Batch
		if err := json.Unmarshal(old, &batch); err != nil {
			return nil, fmt.Errorf("parse batch: %w", err)
		}

		batch.CompletedChunks = completed
		batch.FailedChunks = failed
		if batch.ChunkCount > 0 {
			terminal := completed + failed
			batch.ProgressPercent = math.Round(float64(terminal)/float64(batch.ChunkCount)*10000) / 100
		}
		// Cancellation is sticky; progress aggregation never resurrects
		// a cancelled batch.
		if batch.Status != BatchCancelled {
			batch.Status = deriveStatus(batch.ChunkCount, completed, failed)
		}
		batch.LastUpdatedAt = s.now()

		updated, err := json.Marshal(batch)
		if err != nil {
			return nil, fmt.Errorf("marshal batch: %w", err)
		}

		ok, err := s.kv.CompareAndSwap(ctx, batchKey(batchID), old, updated, s.retention)
		if err != nil {
			return nil, fmt.Errorf("swap batch: %w", err)
		}
		if ok {
			result = &batch
			break
		}
	}
	if result == nil {
		return nil, fmt.Errorf("batch row contention for %s: %d attempts exhausted", batchID, casRetries)
	}

	if err := s.writeSnapshot(ctx, result); err != nil {
		// Snapshot is a cache; losing it only costs the next poll a recompute.
		s.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to write progress snapshot")
	}
	return result, nil
}

// Progress serves the batch summary, snapshot-first. A missing or stale
// snapshot falls back to recomputing from the chunk rows, which also
// repopulates the snapshot. This bounds the cost of UI polling while keeping
// truth anchored in the durable chunk records.
func (s *Store) Progress(ctx context.Context, batchID string) (*Progress, error) {
	data, err := s.kv.Get(ctx, progressKey(batchID))
	if err == nil {
		var snapshot Progress
		if err := json.Unmarshal(data, &snapshot); err == nil {
			progressSnapshotHits.WithLabelValues("snapshot").Inc()
			return &snapshot, nil
		}
	}

	progressSnapshotHits.WithLabelValues("recompute").Inc()
	batch, err := s.RecomputeProgress(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return progressOf(batch), nil
}

// MarkCompletionFired flips the batch-level completion guard. Returns true
// only for the single caller that wins the compare-and-set, which is the
// caller allowed to invoke the completion hook.
func (s *Store) MarkCompletionFired(ctx context.Context, batchID string) (bool, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		old, err := s.kv.Get(ctx, batchKey(batchID))
		if err == store.ErrNotFound {
			return false, ErrBatchNotFound
		}
		if err != nil {
			return false, fmt.Errorf("get batch: %w", err)
		}

		var batch Batch
		if err := json.Unmarshal(old, &batch); err != nil {
			return false, fmt.Errorf("parse batch: %w", err)
		}
		if batch.CompletionFired {
			return false, nil
		}

		batch.CompletionFired = true
		batch.LastUpdatedAt = s.now()

		updated, err := json.Marshal(batch)
		if err != nil {
			return false, fmt.Errorf("marshal batch: %w", err)
		}

		ok, err := s.kv.CompareAndSwap(ctx, batchKey(batchID), old, updated, s.retention)
		if err != nil {
			return false, fmt.Errorf("swap batch: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, fmt.Errorf("batch row contention for %s: %d attempts exhausted", batchID, casRetries)
}

// Cancel marks a batch cancelled unless it already reached a terminal status.
// Returns true if this call performed the cancellation.
func (s *Store) Cancel(ctx context.Context, batchID string) (bool, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		old, err := s.kv.Get(ctx, batchKey(batchID))
		if err == store.ErrNotFound {
			return false, ErrBatchNotFound
		}
		if err != nil {
			return false, fmt.Errorf("get batch: %w", err)
		}

		var batch Batch
		if err := json.Unmarshal(old, &batch); err != nil {
			return false, fmt.Errorf("parse batch: %w", err)
		}
		if batch.Status.Terminal() {
			return false, nil
		}

		batch.Status = BatchCancelled
		batch.LastUpdatedAt = s.now()

		updated, err := json.Marshal(batch)
		if err != nil {
			return false, fmt.Errorf("marshal batch: %w", err)
		}

		ok, err := s.kv.CompareAndSwap(ctx, batchKey(batchID), old, updated, s.retention)
		if err != nil {
			return false, fmt.Errorf("swap batch: %w", err)
		}
		if ok {
			if err := s.writeSnapshot(ctx, &batch); err != nil {
				s.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to write progress snapshot")
			}
			return true, nil
		}
	}
	return false, fmt.Errorf("batch row contention for %s: %d attempts exhausted", batchID, casRetries)
}

// Requeue moves a failed chunk back to pending, tracking the retry count.
// Returns false when the chunk is not failed or its retry budget is spent.
func (s *Store) Requeue(ctx context.Context, batchID string, index, maxRetries int) (bool, error) {
	chunk, err := s.GetChunk(ctx, batchID, index)
	if err != nil {
		return false, err
	}
	if chunk.RetryCount >= maxRetries {
		return false, nil
	}

	now := s.now()
	return s.TransitionChunk(ctx, batchID, index, ChunkFailed, ChunkPending, func(c *Chunk) {
		c.RetryCount++
		c.LastRetryAt = now
		c.Error = ""
		c.ItemsFailed = 0
		c.CompletedAt = time.Time{}
	})
}

// deriveStatus computes the batch status from chunk counts.
func deriveStatus(chunkCount, completed, failed int) BatchStatus {
	switch {
	case completed+failed == 0:
		return BatchPending
	case completed == chunkCount && failed == 0:
		return BatchCompleted
	case completed+failed == chunkCount:
		return BatchCompletedWithErrors
	default:
		return BatchProcessing
	}
}

func progressOf(batch *Batch) *Progress {
	return &Progress{
		BatchID:         batch.ID,
		Status:          batch.Status,
		ProgressPercent: batch.ProgressPercent,
		CompletedChunks: batch.CompletedChunks,
		FailedChunks:    batch.FailedChunks,
		TotalChunks:     batch.ChunkCount,
	}
}

func (s *Store) writeBatch(ctx context.Context, batch *Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	if err := s.kv.Set(ctx, batchKey(batch.ID), data, s.retention); err != nil {
		return fmt.Errorf("store batch: %w", err)
	}
	return nil
}

func (s *Store) writeSnapshot(ctx context.Context, batch *Batch) error {
	data, err := json.Marshal(progressOf(batch))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.kv.Set(ctx, progressKey(batch.ID), data, s.progressTTL)
}

func batchKey(batchID string) string {
	return "batch:" + batchID
}

func chunkKey(batchID string, index int) string {
	return "batch:" + batchID + ":chunk:" + strconv.Itoa(index)
}

func progressKey(batchID string) string {
	return "batch:" + batchID + ":progress"
}
