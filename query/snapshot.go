package query

import (
	"context"
	"sync"
	"time"
)

// Snapshot is a persisted successful result: the msgpack-encoded payload
// and when it was fetched.
type Snapshot struct {
	Data      []byte
	FetchedAt time.Time
}

// SnapshotStore persists successful results outside the in-process cache so
// a restarted or sibling process starts warm. Implementations must be safe
// for concurrent use. Load returns found=false on a miss without error.
type SnapshotStore interface {
	Load(ctx context.Context, key Key) (bool, Snapshot, error)
	Save(ctx context.Context, key Key, snap Snapshot, ttl time.Duration) error
	Close() error
}

type memorySnapshots struct {
	mu    sync.Mutex
	snaps map[Key]memorySnapshot
}

type memorySnapshot struct {
	snap      Snapshot
	expiresAt time.Time
}

var _ SnapshotStore = (*memorySnapshots)(nil)

// NewMemorySnapshots returns an in-process SnapshotStore. It is mainly
// useful in tests and single-process setups; use NewRedisSnapshots to share
// snapshots across processes.
func NewMemorySnapshots() SnapshotStore {
	return &memorySnapshots{snaps: make(map[Key]memorySnapshot)}
}

func (m *memorySnapshots) Load(_ context.Context, key Key) (bool, Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[key]
	if !ok {
		return false, Snapshot{}, nil
	}
	if !s.expiresAt.IsZero() && s.expiresAt.Before(time.Now()) {
		delete(m.snaps, key)
		return false, Snapshot{}, nil
	}
	return true, s.snap, nil
}

func (m *memorySnapshots) Save(_ context.Context, key Key, snap Snapshot, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.snaps[key] = memorySnapshot{snap: snap, expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

func (m *memorySnapshots) Close() error { return nil }
