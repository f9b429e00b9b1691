package query

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Store holds cache entries keyed by Key and fans out entry transitions to
// subscribers. Writes come from the fetch coordinator; consumers read and
// subscribe. A background sweep evicts entries that have had no subscribers
// for longer than the idle grace period; entries with at least one
// subscriber are never evicted, even when stale.
type Store struct {
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	entries map[Key]*entryState
	cfg     config
	logger  *zap.Logger
	wg      sync.WaitGroup
	once    sync.Once
	m       meters
}

type entryState struct {
	// notifyMu serializes write+notify sequences for this key, so every
	// subscriber observes transitions in write order.
	notifyMu  sync.Mutex
	entry     Entry
	stale     bool
	subs      map[string]func(Entry)
	idleSince time.Time
}

// NewStore returns a Store whose background sweep runs until parent is
// cancelled or Close is called.
func NewStore(parent context.Context, opts ...Option) *Store {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[Key]*entryState),
		cfg:     cfg,
		logger:  cfg.logger.Named("store"),
		m:       newMeters(),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Store) state(key Key) *entryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entries[key]
	if st == nil {
		st = &entryState{
			entry:     Entry{Key: key, Status: StatusIdle},
			subs:      make(map[string]func(Entry)),
			idleSince: time.Now(),
		}
		s.entries[key] = st
	}
	return st
}

// lockState resolves the state for key and returns with both its notifyMu
// and s.mu held. The sweep can evict a zero-subscriber state between the
// map lookup and the notifyMu acquisition; re-resolving until the locked
// state is still the one in the map keeps callers off orphaned states.
func (s *Store) lockState(key Key) *entryState {
	for {
		st := s.state(key)
		st.notifyMu.Lock()
		s.mu.Lock()
		if s.entries[key] == st {
			return st
		}
		s.mu.Unlock()
		st.notifyMu.Unlock()
	}
}

// Get returns the current entry for key.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return st.entry, true
}

// Set overwrites the entry for key and synchronously notifies every current
// subscriber. The write and its notifications are atomic per key: no
// subscriber observes a half-applied entry, and no two writes to the same
// key interleave their notifications. Callbacks must be fast, must not
// block, and must not call back into the Store for the same key.
func (s *Store) Set(key Key, e Entry) {
	st := s.lockState(key)
	defer st.notifyMu.Unlock()
	e.Key = key
	st.entry = e
	st.stale = false
	subs := make([]func(Entry), 0, len(st.subs))
	for _, fn := range st.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// Invalidate marks the entry stale so the next lookup bypasses the
// freshness check. Data is kept: consumers can keep showing it while the
// refetch is in flight.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	if st, ok := s.entries[key]; ok {
		st.stale = true
	}
	s.mu.Unlock()
}

// InvalidateMatching marks every entry whose key satisfies pred as stale.
func (s *Store) InvalidateMatching(pred func(Key) bool) {
	s.mu.Lock()
	for key, st := range s.entries {
		if pred(key) {
			st.stale = true
		}
	}
	s.mu.Unlock()
}

// Stale reports whether the entry was invalidated since its last write.
func (s *Store) Stale(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[key]
	return ok && st.stale
}

// Evict removes the entry entirely. It refuses with ErrEvictInUse while
// subscribers are attached. Evicting an absent key is a no-op.
func (s *Store) Evict(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[key]
	if !ok {
		return nil
	}
	if len(st.subs) > 0 {
		return ErrEvictInUse
	}
	delete(s.entries, key)
	s.m.evictions.Add(s.ctx, 1, metric.WithAttributes(attribute.String("operation", key.Operation())))
	return nil
}

// Subscribe attaches fn to the entry for key. fn is invoked immediately
// with the current entry (replay-latest) and again on every subsequent
// transition until the returned cancel function runs. The same callback
// contract as Set applies.
func (s *Store) Subscribe(key Key, fn func(Entry)) func() {
	st := s.lockState(key)
	id := uuid.New().String()
	st.subs[id] = fn
	st.idleSince = time.Time{}
	cur := st.entry
	s.mu.Unlock()
	fn(cur)
	st.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(st.subs, id)
			if len(st.subs) == 0 {
				st.idleSince = time.Now()
			}
			s.mu.Unlock()
		})
	}
}

// SubscriberCount returns the number of subscribers attached to key.
func (s *Store) SubscriberCount(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[key]
	if !ok {
		return 0
	}
	return len(st.subs)
}

// Len returns the number of entries currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background sweep. Entries remain readable.
func (s *Store) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Store) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Store) sweep(now time.Time) {
	var evicted []Key
	s.mu.Lock()
	for key, st := range s.entries {
		if len(st.subs) > 0 || st.idleSince.IsZero() {
			continue
		}
		grace := st.entry.IdleAfter
		if grace <= 0 {
			grace = s.cfg.idleEviction
		}
		if now.Sub(st.idleSince) >= grace {
			delete(s.entries, key)
			evicted = append(evicted, key)
		}
	}
	s.mu.Unlock()
	for _, key := range evicted {
		s.m.evictions.Add(s.ctx, 1, metric.WithAttributes(attribute.String("operation", key.Operation())))
		s.logger.Debug("evicted idle entry", zap.Stringer("key", key))
	}
}
