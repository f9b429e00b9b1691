// Package loader coordinates one-time initialization of shared resources:
// many callers, one underlying load, every waiter observing the same
// outcome. It replaces the pattern of each call site keeping its own
// script-load or SDK-init bookkeeping with a single load-once contract.
package loader

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Once memoizes the first successful result of load. Concurrent Get calls
// while a load is in flight share that one call. A failed load is not
// memoized: the next Get tries again.
//
// The load function runs with the context of the caller that started it;
// callers that merely join the flight are not able to cancel it.
type Once[T any] struct {
	load func(context.Context) (T, error)
	sf   singleflight.Group

	mu  sync.RWMutex
	val T
	ok  bool
}

// New returns a Once around load.
func New[T any](load func(context.Context) (T, error)) *Once[T] {
	return &Once[T]{load: load}
}

// Get returns the memoized value, joining or starting a load as needed.
func (o *Once[T]) Get(ctx context.Context) (T, error) {
	o.mu.RLock()
	if o.ok {
		v := o.val
		o.mu.RUnlock()
		return v, nil
	}
	o.mu.RUnlock()

	v, err, _ := o.sf.Do("load", func() (any, error) {
		o.mu.RLock()
		if o.ok {
			v := o.val
			o.mu.RUnlock()
			return v, nil
		}
		o.mu.RUnlock()

		val, err := o.load(ctx)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.val = val
		o.ok = true
		o.mu.Unlock()
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Loaded reports whether a successful load has completed.
func (o *Once[T]) Loaded() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ok
}

// Reset forgets the memoized value so the next Get loads again.
func (o *Once[T]) Reset() {
	o.mu.Lock()
	var zero T
	o.val = zero
	o.ok = false
	o.mu.Unlock()
}
