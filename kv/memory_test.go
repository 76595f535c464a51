package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key: %v", err)
	}

	if err := store.Set(ctx, "k", []byte("value"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "value" {
		t.Fatalf("value = %q", data)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
	// Deleting again is fine.
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	now = now.Add(59 * time.Second)
	if _, err := store.Get(ctx, "k"); err != nil {
		t.Fatalf("before expiry: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after expiry: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("Len = %d", store.Len())
	}
}

func TestMemoryStoreGetCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("abc"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data[0] = 'X'

	again, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if string(again) != "abc" {
		t.Fatalf("stored value mutated: %q", again)
	}
}

func TestMemoryStoreIncr(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}

	// TTL attaches on creation; the counter resets once it passes.
	now = now.Add(2 * time.Minute)
	got, err := store.Incr(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("Incr after expiry: %v", err)
	}
	if got != 1 {
		t.Fatalf("count after expiry = %d", got)
	}
}
