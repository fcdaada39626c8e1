package fingerprint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/craftport/podsync/pkg/store"
)

func TestDetector_UnknownSubjectHasChanged(t *testing.T) {
	det := New(store.NewMemoryKV())

	changed, err := det.HasChanged(context.Background(), "product-1", "abc")
	if err != nil {
		t.Fatalf("HasChanged() error = %v", err)
	}
	if !changed {
		t.Error("unknown subject should count as changed")
	}
}

func TestDetector_RecordThenUnchanged(t *testing.T) {
	ctx := context.Background()
	det := New(store.NewMemoryKV())

	if err := det.Record(ctx, "product-1", "abc"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	changed, err := det.HasChanged(ctx, "product-1", "abc")
	if err != nil {
		t.Fatalf("HasChanged() error = %v", err)
	}
	if changed {
		t.Error("same fingerprint should not count as changed")
	}

	changed, err = det.HasChanged(ctx, "product-1", "def")
	if err != nil {
		t.Fatalf("HasChanged() error = %v", err)
	}
	if !changed {
		t.Error("different fingerprint should count as changed")
	}
}

func TestDetector_PrefixesIsolateConsumers(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	products := New(kv, WithPrefix("fingerprint:product"))
	dedup := New(kv, WithPrefix("webhook:dedup"))

	if err := products.Record(ctx, "42", "abc"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	changed, err := dedup.HasChanged(ctx, "42", "abc")
	if err != nil {
		t.Fatalf("HasChanged() error = %v", err)
	}
	if !changed {
		t.Error("record under one prefix must not be visible under another")
	}
}

func TestDetector_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	current := time.Now()
	kv := store.NewMemoryKV()
	kv.SetNowFunc(func() time.Time { return current })

	det := New(kv, WithTTL(5*time.Minute))
	if err := det.Record(ctx, "order-7", "abc"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	changed, err := det.HasChanged(ctx, "order-7", "abc")
	if err != nil {
		t.Fatalf("HasChanged() error = %v", err)
	}
	if changed {
		t.Error("fingerprint should survive inside the TTL window")
	}

	current = current.Add(6 * time.Minute)

	changed, err = det.HasChanged(ctx, "order-7", "abc")
	if err != nil {
		t.Fatalf("HasChanged() error = %v", err)
	}
	if !changed {
		t.Error("expired fingerprint should count as changed")
	}
}

func TestDetector_TryRecordFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	det := New(store.NewMemoryKV())

	won, err := det.TryRecord(ctx, "prod-1", "abc")
	if err != nil {
		t.Fatalf("TryRecord() error = %v", err)
	}
	if !won {
		t.Fatal("first TryRecord should win")
	}

	won, err = det.TryRecord(ctx, "prod-1", "def")
	if err != nil {
		t.Fatalf("second TryRecord() error = %v", err)
	}
	if won {
		t.Error("second TryRecord should lose while a record exists")
	}

	// The losing write must not have replaced the stored fingerprint.
	changed, err := det.HasChanged(ctx, "prod-1", "abc")
	if err != nil {
		t.Fatalf("HasChanged() error = %v", err)
	}
	if changed {
		t.Error("stored fingerprint should still be the winner's")
	}
}

func TestDetector_TryRecordConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	det := New(store.NewMemoryKV())

	const workers = 8
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := det.TryRecord(ctx, "prod-1", "abc")
			if err != nil {
				t.Errorf("TryRecord() error = %v", err)
			}
			results <- won
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for won := range results {
		if won {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestDetector_TryRecordWinsAgainAfterForget(t *testing.T) {
	ctx := context.Background()
	det := New(store.NewMemoryKV())

	if _, err := det.TryRecord(ctx, "prod-1", "abc"); err != nil {
		t.Fatalf("TryRecord() error = %v", err)
	}
	if err := det.Forget(ctx, "prod-1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}

	won, err := det.TryRecord(ctx, "prod-1", "def")
	if err != nil {
		t.Fatalf("TryRecord() error = %v", err)
	}
	if !won {
		t.Error("TryRecord should win after the record was forgotten")
	}
}

func TestDetector_Forget(t *testing.T) {
	ctx := context.Background()
	det := New(store.NewMemoryKV())

	if err := det.Record(ctx, "product-1", "abc"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := det.Forget(ctx, "product-1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}

	changed, err := det.HasChanged(ctx, "product-1", "abc")
	if err != nil {
		t.Fatalf("HasChanged() error = %v", err)
	}
	if !changed {
		t.Error("forgotten subject should count as changed")
	}
}

func TestFromETag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"abc123"`, "abc123"},
		{`W/"abc123"`, "abc123"},
		{"abc123", "abc123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := FromETag(tt.in); got != tt.want {
			t.Errorf("FromETag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromResponse(t *testing.T) {
	body := []byte(`{"id":1}`)

	if got := FromResponse(`"tag"`, body); got != "tag" {
		t.Errorf("FromResponse with etag = %q, want %q", got, "tag")
	}

	hashed := FromResponse("", body)
	if hashed != FromContent(body) {
		t.Error("FromResponse without etag should hash the body")
	}
	if len(hashed) != 64 {
		t.Errorf("content hash length = %d, want 64", len(hashed))
	}
}
