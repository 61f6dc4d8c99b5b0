package ratelimit

import (
	"context"
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// MemoryStore reproduces the shared store's window semantics in-process. It
// only runs while the shared store is unreachable, so its guarantee is
// per-instance: each process enforces the full quota independently.
type MemoryStore struct {
	shards     []*memoryShard
	hasherPool sync.Pool
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string][]int64
	blocks  map[string]int64
}

func NewMemoryStore(shardCount int) *MemoryStore {
	if shardCount <= 0 {
		shardCount = 1
	}
	shards := make([]*memoryShard, shardCount)
	for i := range shards {
		shards[i] = &memoryShard{
			windows: make(map[string][]int64),
			blocks:  make(map[string]int64),
		}
	}
	store := &MemoryStore{shards: shards}
	store.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return store
}

func (s *MemoryStore) shardFor(key string) *memoryShard {
	hasher := s.hasherPool.Get().(hash.Hash64)
	defer s.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return s.shards[hasher.Sum64()%uint64(len(s.shards))]
}

func (s *MemoryStore) Take(_ context.Context, key string, p Policy, now time.Time) (Snapshot, error) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entries := pruneEntries(shard.windows[key], now.UnixMilli()-p.Window.Milliseconds())

	if len(entries) < p.MaxRequests {
		entries = append(entries, now.UnixMilli())
		shard.windows[key] = entries
		return Snapshot{
			Allowed:  true,
			Count:    len(entries),
			OldestAt: time.UnixMilli(entries[0]),
		}, nil
	}

	shard.windows[key] = entries
	return Snapshot{
		Count:    len(entries),
		OldestAt: oldestOf(entries),
	}, nil
}

func (s *MemoryStore) Peek(_ context.Context, key string, p Policy, now time.Time) (Snapshot, error) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entries := pruneEntries(shard.windows[key], now.UnixMilli()-p.Window.Milliseconds())
	if len(entries) == 0 {
		delete(shard.windows, key)
	} else {
		shard.windows[key] = entries
	}

	return Snapshot{
		Count:    len(entries),
		OldestAt: oldestOf(entries),
	}, nil
}

func (s *MemoryStore) Block(_ context.Context, key string, until time.Time) error {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	// A later deadline never shrinks an existing block.
	if until.UnixMilli() > shard.blocks[key] {
		shard.blocks[key] = until.UnixMilli()
	}
	return nil
}

func (s *MemoryStore) BlockedUntil(_ context.Context, key string) (time.Time, error) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	deadline, ok := shard.blocks[key]
	if !ok {
		return time.Time{}, nil
	}
	// Lazy expiry stands in for the store-enforced TTL of the shared store.
	if deadline <= time.Now().UnixMilli() {
		delete(shard.blocks, key)
		return time.Time{}, nil
	}
	return time.UnixMilli(deadline), nil
}

func (s *MemoryStore) Clear(_ context.Context, key string) error {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.windows, key)
	delete(shard.blocks, key)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Reset discards all fallback state. Called when the shared store recovers:
// per-process counts are never merged back into the shared window.
func (s *MemoryStore) Reset() {
	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.windows = make(map[string][]int64)
		shard.blocks = make(map[string]int64)
		shard.mu.Unlock()
	}
}

// pruneEntries drops entries at or before the cutoff. Entries are appended
// in time order, so the slice stays sorted.
func pruneEntries(entries []int64, cutoff int64) []int64 {
	idx := 0
	for idx < len(entries) && entries[idx] <= cutoff {
		idx++
	}
	if idx == 0 {
		return entries
	}
	return append([]int64(nil), entries[idx:]...)
}

func oldestOf(entries []int64) time.Time {
	if len(entries) == 0 {
		return time.Time{}
	}
	return time.UnixMilli(entries[0])
}
