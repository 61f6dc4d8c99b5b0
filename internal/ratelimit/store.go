package ratelimit

import (
	"context"
	"time"
)

// Snapshot is the outcome of one prune-count-record pass over a key's window.
type Snapshot struct {
	// Allowed reports whether an entry was recorded for this attempt.
	Allowed bool
	// Count is the number of entries in the window after the pass,
	// including the entry recorded by an allowed attempt.
	Count int
	// OldestAt is the timestamp of the oldest remaining entry. Zero when
	// the window is empty.
	OldestAt time.Time
}

// CounterStore is the atomic primitive behind the sliding window. Take must
// prune, count, and conditionally record as one indivisible operation per
// key: two concurrent callers for the same key must never both observe room
// for the last remaining slot.
type CounterStore interface {
	// Take runs the atomic prune-count-record pass. A denied attempt
	// records nothing.
	Take(ctx context.Context, key string, p Policy, now time.Time) (Snapshot, error)

	// Peek prunes and counts without recording, for inspection.
	Peek(ctx context.Context, key string, p Policy, now time.Time) (Snapshot, error)

	// Block marks the key denied until the given time. A later deadline
	// never shrinks an existing block. Expiry is store-enforced.
	Block(ctx context.Context, key string, until time.Time) error

	// BlockedUntil returns the live block deadline for the key, or the
	// zero time when the key is not blocked.
	BlockedUntil(ctx context.Context, key string) (time.Time, error)

	// Clear removes both the window and any block for the key. The next
	// attempt is treated as first-ever.
	Clear(ctx context.Context, key string) error

	// Ping reports backend reachability.
	Ping(ctx context.Context) error
}
