package query

import "sync"

// Subscription is a live view of one query's cache entry. Updates delivers
// every status transition, starting with the current entry at subscribe
// time (replay-latest). For a single key, transitions arrive in the order
// they occurred; across keys there is no ordering guarantee.
//
// The channel is buffered. If a consumer lags far enough to fill it, the
// oldest pending transition is dropped in favor of the newest one, so a
// slow consumer always converges on the latest entry.
type Subscription struct {
	key    Key
	ch     chan Entry
	cancel func()

	mu     sync.Mutex
	last   Entry
	closed bool
}

const subscriptionBuffer = 16

func newSubscription(key Key) *Subscription {
	return &Subscription{key: key, ch: make(chan Entry, subscriptionBuffer)}
}

// Key returns the key this subscription observes.
func (s *Subscription) Key() Key { return s.key }

// Updates returns the transition channel. It is closed by Cancel.
func (s *Subscription) Updates() <-chan Entry { return s.ch }

// Snapshot returns the most recently delivered entry without consuming
// from Updates.
func (s *Subscription) Snapshot() Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Cancel detaches from the store and closes Updates. Reaching zero
// subscribers for a key starts its idle-eviction clock. Cancel is
// idempotent.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	close(s.ch)
}

// deliver is the store-side callback. It must not block: when the buffer
// is full the oldest pending entry is dropped.
func (s *Subscription) deliver(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.last = e
	for {
		select {
		case s.ch <- e:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}
