// Package batch implements the chunked, resumable synchronization pipeline:
// durable batch/chunk records, compare-and-set status transitions, and an
// orchestrator that fans work out to scheduled chunk executions.
package batch

import (
	"encoding/json"
	"time"
)

// BatchStatus represents the lifecycle of a batch.
type BatchStatus string

const (
	// BatchPending indicates the batch is created but no chunk has run.
	BatchPending BatchStatus = "pending"

	// BatchProcessing indicates at least one chunk has started.
	BatchProcessing BatchStatus = "processing"

	// BatchCompleted indicates all chunks finished without failure.
	BatchCompleted BatchStatus = "completed"

	// BatchCompletedWithErrors indicates all chunks are terminal but some failed.
	BatchCompletedWithErrors BatchStatus = "completed_with_errors"

	// BatchCancelled indicates the batch was cancelled; scheduled chunk
	// executions become no-ops.
	BatchCancelled BatchStatus = "cancelled"
)

// Terminal returns true once the batch can no longer make progress.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchCompletedWithErrors || s == BatchCancelled
}

// ChunkStatus represents the lifecycle of a single chunk.
type ChunkStatus string

const (
	// ChunkPending indicates the chunk is waiting to be claimed.
	ChunkPending ChunkStatus = "pending"

	// ChunkProcessing indicates a worker has claimed the chunk.
	// The only legal entry is from ChunkPending, via compare-and-set.
	ChunkProcessing ChunkStatus = "processing"

	// ChunkCompleted indicates every item in the chunk was applied.
	ChunkCompleted ChunkStatus = "completed"

	// ChunkFailed indicates the chunk resolved with item failures. It may
	// be re-queued until its retry count reaches the configured cap.
	ChunkFailed ChunkStatus = "failed"
)

// Terminal returns true for resolved chunk states.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// Batch is one top-level synchronization request.
type Batch struct {
	ID              string      `json:"id"`
	TotalItems      int         `json:"total_items"`
	ChunkCount      int         `json:"chunk_count"`
	CompletedChunks int         `json:"completed_chunks"`
	FailedChunks    int         `json:"failed_chunks"`
	Status          BatchStatus `json:"status"`
	ProgressPercent float64     `json:"progress_percent"`
	CreatedAt       time.Time   `json:"created_at"`
	LastUpdatedAt   time.Time   `json:"last_updated_at"`
	CreatedBy       string      `json:"created_by"`

	// CompletionFired guards the completion hook; it is flipped once via
	// compare-and-set so the hook cannot fire twice.
	CompletionFired bool `json:"completion_fired"`
}

// Chunk is a fixed-size group of work items tracked as a unit.
type Chunk struct {
	BatchID     string      `json:"batch_id"`
	Index       int         `json:"index"`
	ItemIDs     []string    `json:"item_ids"`
	Status      ChunkStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	ItemsFailed int         `json:"items_failed"`
	RetryCount  int         `json:"retry_count"`
	LastRetryAt time.Time   `json:"last_retry_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for KV storage.
func (c Chunk) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *Chunk) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

// Progress is the externally-polled batch summary. It must stay cheap to
// serve; see Store.Progress.
type Progress struct {
	BatchID         string      `json:"batch_id"`
	Status          BatchStatus `json:"status"`
	ProgressPercent float64     `json:"progress_percent"`
	CompletedChunks int         `json:"completed_chunks"`
	FailedChunks    int         `json:"failed_chunks"`
	TotalChunks     int         `json:"total_chunks"`
}

// CompletionStats is handed to the completion hook exactly once per batch.
type CompletionStats struct {
	BatchID  string
	Total    int
	Success  int
	Failed   int
	Duration time.Duration
}
