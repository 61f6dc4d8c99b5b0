package ratelimit

import (
	"context"
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{
		Name:          "login",
		Window:        time.Minute,
		MaxRequests:   3,
		BlockDuration: 15 * time.Minute,
	}
}

func TestMemoryStoreTakeAdmitsUpToLimit(t *testing.T) {
	store := NewMemoryStore(4)
	p := testPolicy()
	now := time.Now()

	for i := 1; i <= p.MaxRequests; i++ {
		snap, err := store.Take(context.Background(), "login:alice", p, now)
		if err != nil {
			t.Fatalf("Take() error = %v", err)
		}
		if !snap.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if snap.Count != i {
			t.Fatalf("request %d count = %d, want %d", i, snap.Count, i)
		}
	}

	snap, err := store.Take(context.Background(), "login:alice", p, now)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if snap.Allowed {
		t.Fatal("request past limit was admitted")
	}
	if snap.Count != p.MaxRequests {
		t.Fatalf("denied request count = %d, want %d", snap.Count, p.MaxRequests)
	}
}

func TestMemoryStoreDeniedAttemptRecordsNothing(t *testing.T) {
	store := NewMemoryStore(1)
	p := testPolicy()
	now := time.Now()

	for i := 0; i < p.MaxRequests; i++ {
		store.Take(context.Background(), "login:alice", p, now)
	}

	// Hammer past the limit; the window must not grow.
	for i := 0; i < 10; i++ {
		store.Take(context.Background(), "login:alice", p, now)
	}

	snap, err := store.Peek(context.Background(), "login:alice", p, now)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if snap.Count != p.MaxRequests {
		t.Fatalf("count after denied attempts = %d, want %d", snap.Count, p.MaxRequests)
	}
}

func TestMemoryStoreWindowSlides(t *testing.T) {
	store := NewMemoryStore(1)
	p := testPolicy()
	now := time.Now()

	for i := 0; i < p.MaxRequests; i++ {
		store.Take(context.Background(), "login:alice", p, now)
	}

	snap, _ := store.Take(context.Background(), "login:alice", p, now)
	if snap.Allowed {
		t.Fatal("expected denial at the limit")
	}

	later := now.Add(p.Window + time.Millisecond)
	snap, err := store.Take(context.Background(), "login:alice", p, later)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if !snap.Allowed {
		t.Fatal("expected admission after the window slid past old entries")
	}
	if snap.Count != 1 {
		t.Fatalf("count after slide = %d, want 1", snap.Count)
	}
}

func TestMemoryStorePeekDoesNotConsume(t *testing.T) {
	store := NewMemoryStore(1)
	p := testPolicy()
	now := time.Now()

	store.Take(context.Background(), "login:alice", p, now)

	for i := 0; i < 5; i++ {
		snap, err := store.Peek(context.Background(), "login:alice", p, now)
		if err != nil {
			t.Fatalf("Peek() error = %v", err)
		}
		if snap.Count != 1 {
			t.Fatalf("Peek count = %d, want 1", snap.Count)
		}
	}
}

func TestMemoryStoreKeysAreIsolated(t *testing.T) {
	store := NewMemoryStore(8)
	p := testPolicy()
	now := time.Now()

	for i := 0; i < p.MaxRequests; i++ {
		store.Take(context.Background(), "login:alice", p, now)
	}

	snap, err := store.Take(context.Background(), "login:bob", p, now)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if !snap.Allowed {
		t.Fatal("bob was denied by alice's window")
	}
}

func TestMemoryStoreBlockNeverShrinks(t *testing.T) {
	store := NewMemoryStore(1)
	far := time.Now().Add(time.Hour)
	near := time.Now().Add(time.Minute)

	if err := store.Block(context.Background(), "login:alice", far); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if err := store.Block(context.Background(), "login:alice", near); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	until, err := store.BlockedUntil(context.Background(), "login:alice")
	if err != nil {
		t.Fatalf("BlockedUntil() error = %v", err)
	}
	if until.UnixMilli() != far.UnixMilli() {
		t.Fatalf("BlockedUntil = %v, want %v", until, far)
	}
}

func TestMemoryStoreBlockExpires(t *testing.T) {
	store := NewMemoryStore(1)
	past := time.Now().Add(-time.Second)

	store.Block(context.Background(), "login:alice", past)

	until, err := store.BlockedUntil(context.Background(), "login:alice")
	if err != nil {
		t.Fatalf("BlockedUntil() error = %v", err)
	}
	if !until.IsZero() {
		t.Fatalf("BlockedUntil = %v, want zero for an expired block", until)
	}
}

func TestMemoryStoreClear(t *testing.T) {
	store := NewMemoryStore(1)
	p := testPolicy()
	now := time.Now()

	for i := 0; i < p.MaxRequests; i++ {
		store.Take(context.Background(), "login:alice", p, now)
	}
	store.Block(context.Background(), "login:alice", now.Add(time.Hour))

	if err := store.Clear(context.Background(), "login:alice"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	until, _ := store.BlockedUntil(context.Background(), "login:alice")
	if !until.IsZero() {
		t.Fatal("block survived Clear")
	}
	snap, _ := store.Take(context.Background(), "login:alice", p, now)
	if !snap.Allowed || snap.Count != 1 {
		t.Fatalf("after Clear: allowed=%v count=%d, want first-ever semantics", snap.Allowed, snap.Count)
	}
}

func TestMemoryStoreReset(t *testing.T) {
	store := NewMemoryStore(16)
	p := testPolicy()
	now := time.Now()

	keys := []string{"login:a", "login:b", "otp:c"}
	for _, key := range keys {
		for i := 0; i < p.MaxRequests; i++ {
			store.Take(context.Background(), key, p, now)
		}
		store.Block(context.Background(), key, now.Add(time.Hour))
	}

	store.Reset()

	for _, key := range keys {
		until, _ := store.BlockedUntil(context.Background(), key)
		if !until.IsZero() {
			t.Fatalf("key %s still blocked after Reset", key)
		}
		snap, _ := store.Peek(context.Background(), key, p, now)
		if snap.Count != 0 {
			t.Fatalf("key %s count = %d after Reset, want 0", key, snap.Count)
		}
	}
}
