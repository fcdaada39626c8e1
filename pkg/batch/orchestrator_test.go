package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/craftport/podsync/pkg/logging"
)

// syncScheduler runs tasks inline, making orchestration deterministic.
type syncScheduler struct{}

func (syncScheduler) Schedule(_ time.Duration, fn func()) { fn() }

// manualScheduler collects tasks so tests control when chunks fire.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (m *manualScheduler) Schedule(_ time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, fn)
}

func (m *manualScheduler) runAll() {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

func TestSplitItems(t *testing.T) {
	tests := []struct {
		name       string
		n          int
		size       int
		wantChunks int
	}{
		{name: "even split", n: 9, size: 3, wantChunks: 3},
		{name: "remainder chunk", n: 10, size: 3, wantChunks: 4},
		{name: "single item", n: 1, size: 10, wantChunks: 1},
		{name: "size one", n: 5, size: 1, wantChunks: 5},
		{name: "size exceeds items", n: 4, size: 100, wantChunks: 1},
		{name: "empty", n: 0, size: 3, wantChunks: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := make([]string, tt.n)
			for i := range ids {
				ids[i] = fmt.Sprintf("item-%d", i)
			}

			groups := SplitItems(ids, tt.size)
			if len(groups) != tt.wantChunks {
				t.Fatalf("SplitItems() = %d chunks, want %d", len(groups), tt.wantChunks)
			}

			// The concatenation of groups must reconstruct ids exactly.
			var rebuilt []string
			for _, g := range groups {
				if len(g) > tt.size {
					t.Errorf("group size %d exceeds chunk size %d", len(g), tt.size)
				}
				rebuilt = append(rebuilt, g...)
			}
			if len(rebuilt) != tt.n {
				t.Fatalf("rebuilt %d items, want %d", len(rebuilt), tt.n)
			}
			for i, id := range rebuilt {
				if id != ids[i] {
					t.Fatalf("rebuilt[%d] = %s, want %s (order must be preserved)", i, id, ids[i])
				}
			}
		})
	}
}

func TestOrchestrator_AllItemsSucceed(t *testing.T) {
	s := newTestStore()
	var mu sync.Mutex
	var processed []string

	orch, err := New(s, syncScheduler{}, func(_ context.Context, itemID string) error {
		mu.Lock()
		processed = append(processed, itemID)
		mu.Unlock()
		return nil
	}, nil, Config{ChunkSize: 3}, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ids := []string{"a", "b", "c", "d", "e", "f", "g"}
	batchID, err := orch.Initiate(context.Background(), ids, "test")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if len(processed) != len(ids) {
		t.Errorf("processed %d items, want %d", len(processed), len(ids))
	}

	p, err := orch.Progress(context.Background(), batchID)
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if p.Status != BatchCompleted {
		t.Errorf("status = %s, want completed", p.Status)
	}
	if p.TotalChunks != 3 || p.CompletedChunks != 3 || p.FailedChunks != 0 {
		t.Errorf("progress = %+v, want 3/3 completed", p)
	}
	if p.ProgressPercent != 100 {
		t.Errorf("progress percent = %v, want 100", p.ProgressPercent)
	}
}

func TestOrchestrator_PartialFailure(t *testing.T) {
	s := newTestStore()

	// 10 items with chunk size 3: chunks are [0..2] [3..5] [6..8] [9].
	// Items of chunk index 2 fail; everything else succeeds.
	failing := map[string]bool{"item-6": true, "item-7": true, "item-8": true}

	orch, err := New(s, syncScheduler{}, func(_ context.Context, itemID string) error {
		if failing[itemID] {
			return errors.New("supplier rejected item")
		}
		return nil
	}, nil, Config{ChunkSize: 3}, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("item-%d", i)
	}
	batchID, err := orch.Initiate(context.Background(), ids, "test")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	p, err := orch.Progress(context.Background(), batchID)
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if p.Status != BatchCompletedWithErrors {
		t.Errorf("status = %s, want completed_with_errors", p.Status)
	}
	if p.CompletedChunks != 3 || p.FailedChunks != 1 {
		t.Errorf("progress = %+v, want 3 completed, 1 failed", p)
	}

	// The failed chunk surfaces its error detail for inspection.
	chunk, err := s.GetChunk(context.Background(), batchID, 2)
	if err != nil {
		t.Fatalf("GetChunk() error = %v", err)
	}
	if chunk.Status != ChunkFailed || chunk.ItemsFailed != 3 {
		t.Errorf("chunk = %+v, want failed with 3 item failures", chunk)
	}
	if !strings.Contains(chunk.Error, "3/3 items failed") {
		t.Errorf("chunk error = %q, want failure summary", chunk.Error)
	}
}

func TestOrchestrator_ItemFailureDoesNotAbortSiblings(t *testing.T) {
	s := newTestStore()
	var mu sync.Mutex
	var processed []string

	orch, err := New(s, syncScheduler{}, func(_ context.Context, itemID string) error {
		mu.Lock()
		processed = append(processed, itemID)
		mu.Unlock()
		if itemID == "b" {
			return errors.New("boom")
		}
		return nil
	}, nil, Config{ChunkSize: 10}, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	batchID, err := orch.Initiate(context.Background(), []string{"a", "b", "c"}, "test")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if len(processed) != 3 {
		t.Errorf("processed %d items, want 3 (failure must not abort siblings)", len(processed))
	}

	chunk, _ := s.GetChunk(context.Background(), batchID, 0)
	if chunk.ItemsFailed != 1 {
		t.Errorf("ItemsFailed = %d, want 1", chunk.ItemsFailed)
	}
}

func TestOrchestrator_CompletionHookFiresOnce(t *testing.T) {
	s := newTestStore()
	var mu sync.Mutex
	fired := 0
	var gotStats CompletionStats

	orch, err := New(s, syncScheduler{}, func(_ context.Context, itemID string) error {
		if itemID == "bad" {
			return errors.New("boom")
		}
		return nil
	}, func(_ context.Context, stats CompletionStats) {
		mu.Lock()
		fired++
		gotStats = stats
		mu.Unlock()
	}, Config{ChunkSize: 2}, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	batchID, err := orch.Initiate(context.Background(), []string{"a", "b", "c", "bad"}, "test")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	// Duplicate scheduler fire after completion: must not re-fire the hook.
	if err := orch.RunChunk(context.Background(), batchID, 0); err != nil {
		t.Fatalf("RunChunk() error = %v", err)
	}

	if fired != 1 {
		t.Errorf("completion hook fired %d times, want exactly 1", fired)
	}
	if gotStats.Total != 4 || gotStats.Failed != 1 || gotStats.Success != 3 {
		t.Errorf("stats = %+v, want total 4, success 3, failed 1", gotStats)
	}
}

func TestOrchestrator_DuplicateRunChunkIsNoop(t *testing.T) {
	s := newTestStore()
	var mu sync.Mutex
	runs := 0

	sched := &manualScheduler{}
	orch, err := New(s, sched, func(_ context.Context, _ string) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}, nil, Config{ChunkSize: 10}, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	batchID, err := orch.Initiate(context.Background(), []string{"a"}, "test")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	sched.runAll()

	// Re-fire the same chunk, as a crashed-and-recovered scheduler would.
	if err := orch.RunChunk(context.Background(), batchID, 0); err != nil {
		t.Fatalf("RunChunk() error = %v", err)
	}

	if runs != 1 {
		t.Errorf("item processed %d times, want 1 (duplicate fire must no-op)", runs)
	}
}

func TestOrchestrator_CancelledBatchSkipsChunks(t *testing.T) {
	s := newTestStore()
	runs := 0

	sched := &manualScheduler{}
	orch, err := New(s, sched, func(_ context.Context, _ string) error {
		runs++
		return nil
	}, nil, Config{ChunkSize: 1}, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	batchID, err := orch.Initiate(context.Background(), []string{"a", "b"}, "test")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	cancelled, err := orch.Cancel(context.Background(), batchID)
	if err != nil || !cancelled {
		t.Fatalf("Cancel() = %v, %v, want true, nil", cancelled, err)
	}

	sched.runAll()

	if runs != 0 {
		t.Errorf("items processed after cancel = %d, want 0", runs)
	}

	chunk, _ := s.GetChunk(context.Background(), batchID, 0)
	if chunk.Status != ChunkPending {
		t.Errorf("chunk status = %s, want pending (never claimed)", chunk.Status)
	}
}

func TestOrchestrator_RetryChunkRecovers(t *testing.T) {
	s := newTestStore()
	var mu sync.Mutex
	attempts := 0

	orch, err := New(s, syncScheduler{}, func(_ context.Context, _ string) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient apply failure")
		}
		return nil
	}, nil, Config{ChunkSize: 1, MaxChunkRetries: 3}, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	batchID, err := orch.Initiate(context.Background(), []string{"a"}, "test")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	p, _ := orch.Progress(context.Background(), batchID)
	if p.Status != BatchCompletedWithErrors {
		t.Fatalf("status before retry = %s, want completed_with_errors", p.Status)
	}

	retried, err := orch.RetryChunk(context.Background(), batchID, 0)
	if err != nil || !retried {
		t.Fatalf("RetryChunk() = %v, %v, want true, nil", retried, err)
	}

	chunk, _ := s.GetChunk(context.Background(), batchID, 0)
	if chunk.Status != ChunkCompleted || chunk.RetryCount != 1 {
		t.Errorf("chunk = %+v, want completed with retry count 1", chunk)
	}
}

func TestOrchestrator_SweepFailedHonorsCap(t *testing.T) {
	s := newTestStore()
	orch, err := New(s, syncScheduler{}, func(_ context.Context, _ string) error {
		return errors.New("always fails")
	}, nil, Config{ChunkSize: 1, MaxChunkRetries: 2}, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	batchID, err := orch.Initiate(context.Background(), []string{"a"}, "test")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		requeued, err := orch.SweepFailed(context.Background(), batchID)
		if err != nil {
			t.Fatalf("SweepFailed() error = %v", err)
		}
		if requeued != 1 {
			t.Fatalf("SweepFailed() sweep %d = %d requeued, want 1", i+1, requeued)
		}
	}

	// Budget spent: the chunk is permanently failed but still visible.
	requeued, err := orch.SweepFailed(context.Background(), batchID)
	if err != nil {
		t.Fatalf("SweepFailed() error = %v", err)
	}
	if requeued != 0 {
		t.Errorf("SweepFailed() past cap = %d requeued, want 0", requeued)
	}

	chunk, _ := s.GetChunk(context.Background(), batchID, 0)
	if chunk.Status != ChunkFailed || chunk.RetryCount != 2 {
		t.Errorf("chunk = %+v, want permanently failed with retry count 2", chunk)
	}
}

func TestOrchestrator_InitiateRejectsEmpty(t *testing.T) {
	s := newTestStore()
	orch, err := New(s, syncScheduler{}, func(_ context.Context, _ string) error { return nil },
		nil, Config{ChunkSize: 3}, logging.NewLogger("test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := orch.Initiate(context.Background(), nil, "test"); err == nil {
		t.Error("Initiate(empty) = nil error, want failure")
	}
}
