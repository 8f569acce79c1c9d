package opalmind

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreSetGet(t *testing.T) {
	store := NewInMemoryIdempotencyStore(time.Hour)
	ctx := context.Background()

	record := &IdempotencyRecord{
		Key:          "hit-1",
		Outcome:      "delivered",
		AttemptCount: 2,
		CompletedAt:  time.Now(),
	}
	if err := store.Set(ctx, record); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}

	got, found, err := store.Get(ctx, "hit-1")
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if !found {
		t.Fatal("Get() did not find stored record")
	}
	if got.Outcome != "delivered" || got.AttemptCount != 2 {
		t.Errorf("Get() = %+v, want stored record", got)
	}
}

func TestInMemoryStoreMiss(t *testing.T) {
	store := NewInMemoryIdempotencyStore(time.Hour)

	_, found, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if found {
		t.Error("Get() found a record that was never stored")
	}
}

func TestInMemoryStoreRetentionExpiry(t *testing.T) {
	store := NewInMemoryIdempotencyStore(10 * time.Millisecond)
	ctx := context.Background()

	_ = store.Set(ctx, &IdempotencyRecord{Key: "short-lived", Outcome: "x"})

	if _, found, _ := store.Get(ctx, "short-lived"); !found {
		t.Fatal("record missing immediately after Set")
	}

	time.Sleep(20 * time.Millisecond)

	if _, found, _ := store.Get(ctx, "short-lived"); found {
		t.Error("record survived past retention")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d after lazy eviction, want 0", store.Len())
	}
}

func TestInMemoryStoreZeroRetentionKeepsForever(t *testing.T) {
	store := NewInMemoryIdempotencyStore(0)
	ctx := context.Background()

	_ = store.Set(ctx, &IdempotencyRecord{Key: "keep", Outcome: "x"})

	time.Sleep(10 * time.Millisecond)
	if _, found, _ := store.Get(ctx, "keep"); !found {
		t.Error("record with no retention was evicted")
	}
}

func TestInMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewInMemoryIdempotencyStore(0)
	ctx := context.Background()

	_ = store.Set(ctx, &IdempotencyRecord{Key: "k", Outcome: "original", AttemptCount: 1})

	first, _, _ := store.Get(ctx, "k")
	first.Outcome = "mutated"

	second, _, _ := store.Get(ctx, "k")
	if second.Outcome != "original" {
		t.Error("mutating a returned record leaked into the store")
	}
}

func TestInMemoryStoreClear(t *testing.T) {
	store := NewInMemoryIdempotencyStore(0)
	ctx := context.Background()

	_ = store.Set(ctx, &IdempotencyRecord{Key: "a"})
	_ = store.Set(ctx, &IdempotencyRecord{Key: "b"})
	store.Clear()

	if store.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", store.Len())
	}
}

func TestInMemoryStoreRespectsContext(t *testing.T) {
	store := NewInMemoryIdempotencyStore(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := store.Get(ctx, "k"); err == nil {
		t.Error("Get() with cancelled context returned nil error")
	}
	if err := store.Set(ctx, &IdempotencyRecord{Key: "k"}); err == nil {
		t.Error("Set() with cancelled context returned nil error")
	}
}
