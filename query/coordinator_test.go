package query

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashgrid/go-query/resilience"
)

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithRetryBackoff(time.Millisecond),
		WithMaxRetryBackoff(5 * time.Millisecond),
		WithJitter(false),
	}
	c := NewClient(context.Background(), append(base, opts...)...)
	t.Cleanup(c.Close)
	return c
}

func staticFetch(calls *atomic.Int64, data any) FetchFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		calls.Add(1)
		return data, nil
	}
}

func TestFetchCachesWithinFreshness(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	params := map[string]any{"branch": "north"}

	first, err := c.Fetch(context.Background(), "revenue", params, staticFetch(&calls, "payload"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, "payload", first.Data)

	second, err := c.Fetch(context.Background(), "revenue", params, staticFetch(&calls, "payload"))
	require.NoError(t, err)
	assert.Equal(t, first, second, "a fresh entry is returned unchanged")
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetchDeduplicatesConcurrent(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	gate := make(chan struct{})
	fetch := func(ctx context.Context, params map[string]any) (any, error) {
		calls.Add(1)
		<-gate
		return "payload", nil
	}

	const n = 10
	results := make([]Entry, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.Fetch(context.Background(), "revenue", nil, fetch)
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent callers must share one fetch")
	for _, e := range results {
		assert.Equal(t, StatusSuccess, e.Status)
		assert.Equal(t, "payload", e.Data)
	}
}

func TestZeroStaleAfterAlwaysRefetches(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	fetch := staticFetch(&calls, "payload")

	_, err := c.Fetch(context.Background(), "revenue", nil, fetch, StaleAfter(0))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = c.Fetch(context.Background(), "revenue", nil, fetch, StaleAfter(0))
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
}

func TestRetryTransientThenSuccess(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	fetch := func(ctx context.Context, params map[string]any) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, MarkNetwork(errors.New("connection reset"))
		}
		return "payload", nil
	}

	entry, err := c.Fetch(context.Background(), "revenue", nil, fetch)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, entry.Status)
	assert.Equal(t, "payload", entry.Data)
	assert.Equal(t, int64(3), calls.Load(), "initial attempt plus two retries")
}

func TestValidationErrorNotRetried(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	fetch := func(ctx context.Context, params map[string]any) (any, error) {
		calls.Add(1)
		return nil, MarkValidation(errors.New("bad parameters"))
	}

	entry, err := c.Fetch(context.Background(), "revenue", nil, fetch)
	assert.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, StatusError, entry.Status)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRetryBudgetExhausted(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	fetch := func(ctx context.Context, params map[string]any) (any, error) {
		calls.Add(1)
		return nil, MarkServer(errors.New("upstream exploded"))
	}

	entry, err := c.Fetch(context.Background(), "revenue", nil, fetch)
	assert.Error(t, err)
	assert.True(t, IsServer(err))
	assert.Equal(t, StatusError, entry.Status)
	assert.Equal(t, int64(3), calls.Load())
}

func TestErrorPreservesStaleData(t *testing.T) {
	c := newTestClient(t, WithMaxRetries(0))
	var calls atomic.Int64

	entry, err := c.Fetch(context.Background(), "revenue", nil, staticFetch(&calls, "v1"))
	require.NoError(t, err)
	require.Equal(t, "v1", entry.Data)

	c.Invalidate("revenue", nil)

	failing := func(ctx context.Context, params map[string]any) (any, error) {
		return nil, MarkServer(errors.New("boom"))
	}
	entry, err = c.Fetch(context.Background(), "revenue", nil, failing)
	assert.Error(t, err)
	assert.Equal(t, StatusError, entry.Status)
	assert.Equal(t, "v1", entry.Data, "prior data survives a failed refetch")
	assert.NotNil(t, entry.Err)
}

func TestInvalidateTriggersRefetch(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	fetch := staticFetch(&calls, "payload")

	_, err := c.Fetch(context.Background(), "revenue", nil, fetch)
	require.NoError(t, err)
	c.InvalidateOperation("revenue")

	_, err = c.Fetch(context.Background(), "revenue", nil, fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	c := newTestClient(t, WithFetchTimeout(15*time.Millisecond), WithMaxRetries(0))
	fetch := func(ctx context.Context, params map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	entry, err := c.Fetch(context.Background(), "revenue", nil, fetch)
	assert.Error(t, err)
	assert.True(t, IsNetwork(err), "attempt timeout classifies as a network error")
	assert.Equal(t, StatusError, entry.Status)
}

func TestWatchTransitions(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	sub := c.Watch("revenue", nil, staticFetch(&calls, "payload"))
	defer sub.Cancel()

	var seen []Status
	deadline := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case e := <-sub.Updates():
			seen = append(seen, e.Status)
		case <-deadline:
			t.Fatalf("timed out, transitions so far: %v", seen)
		}
	}
	assert.Equal(t, []Status{StatusIdle, StatusLoading, StatusSuccess}, seen)
	assert.Equal(t, StatusSuccess, sub.Snapshot().Status)
}

func TestWatchersShareOneFetchAndSequence(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	gate := make(chan struct{})
	fetch := func(ctx context.Context, params map[string]any) (any, error) {
		calls.Add(1)
		<-gate
		return "payload", nil
	}

	sub1 := c.Watch("revenue", nil, fetch)
	defer sub1.Cancel()
	sub2 := c.Watch("revenue", nil, fetch)
	defer sub2.Cancel()
	close(gate)

	waitFor := func(sub *Subscription) []Status {
		var seen []Status
		deadline := time.After(time.Second)
		for {
			select {
			case e := <-sub.Updates():
				seen = append(seen, e.Status)
				if e.Status == StatusSuccess {
					return seen
				}
			case <-deadline:
				t.Fatalf("timed out, transitions so far: %v", seen)
			}
		}
	}

	seen1 := waitFor(sub1)
	seen2 := waitFor(sub2)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, []Status{StatusIdle, StatusLoading, StatusSuccess}, seen1)
	// The second watcher attached after the loading write; its replay is
	// the loading entry.
	assert.Equal(t, []Status{StatusLoading, StatusSuccess}, seen2)
}

func TestAbandonmentSkipsRetries(t *testing.T) {
	c := newTestClient(t, WithMaxRetries(2))
	var calls atomic.Int64
	started := make(chan struct{})
	gate := make(chan struct{})
	fetch := func(ctx context.Context, params map[string]any) (any, error) {
		calls.Add(1)
		close(started)
		<-gate
		return nil, MarkNetwork(errors.New("connection reset"))
	}

	sub := c.Watch("revenue", nil, fetch)
	<-started
	sub.Cancel()
	close(gate)

	key := MakeKey("revenue", nil)
	assert.Eventually(t, func() bool {
		e, ok := c.Store().Get(key)
		return ok && e.Status == StatusError
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), calls.Load(), "no retries once every observer detached")
}

func TestAbandonedResultStillCached(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	started := make(chan struct{})
	gate := make(chan struct{})
	fetch := func(ctx context.Context, params map[string]any) (any, error) {
		calls.Add(1)
		close(started)
		<-gate
		return "payload", nil
	}

	sub := c.Watch("revenue", nil, fetch)
	<-started
	sub.Cancel()
	close(gate)

	key := MakeKey("revenue", nil)
	assert.Eventually(t, func() bool {
		e, ok := c.Store().Get(key)
		return ok && e.Status == StatusSuccess && e.Data == "payload"
	}, time.Second, 5*time.Millisecond)
}

func TestPrefetchWarmsCache(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int64
	c.Prefetch("revenue", nil, staticFetch(&calls, "payload"))

	key := MakeKey("revenue", nil)
	assert.Eventually(t, func() bool {
		e, ok := c.Store().Get(key)
		return ok && e.Status == StatusSuccess
	}, time.Second, 5*time.Millisecond)

	_, err := c.Fetch(context.Background(), "revenue", nil, staticFetch(&calls, "payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestPoliciesResolvePerOperation(t *testing.T) {
	policies := Policies{
		Default:    Policy{StaleAfter: time.Minute},
		Operations: map[string]Policy{"filterOptions": {StaleAfter: time.Hour}},
	}
	c := newTestClient(t, WithPolicies(policies))

	qc := c.queryConfig("filterOptions", nil)
	assert.Equal(t, time.Hour, qc.staleAfter)
	qc = c.queryConfig("revenue", nil)
	assert.Equal(t, time.Minute, qc.staleAfter)
	// Per-call overrides beat the policy.
	qc = c.queryConfig("filterOptions", []QueryOption{StaleAfter(0)})
	assert.Equal(t, time.Duration(0), qc.staleAfter)
}

func TestSnapshotSeedAvoidsFetch(t *testing.T) {
	snaps := NewMemorySnapshots()
	var calls atomic.Int64

	c1 := newTestClient(t, WithSnapshots(snaps))
	_, err := c1.Fetch(context.Background(), "revenue", nil, staticFetch(&calls, "payload"))
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())

	// A second process starts cold but shares the snapshot tier.
	c2 := newTestClient(t, WithSnapshots(snaps))
	entry, err := c2.Fetch(context.Background(), "revenue", nil, staticFetch(&calls, "payload"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, entry.Status)
	assert.Equal(t, "payload", entry.Data)
	assert.Equal(t, int64(1), calls.Load(), "fresh snapshot must satisfy the lookup")
}

func TestStaleSnapshotBacksLoadingState(t *testing.T) {
	snaps := NewMemorySnapshots()
	var calls atomic.Int64

	c1 := newTestClient(t, WithSnapshots(snaps), WithStaleAfter(30*time.Millisecond))
	_, err := c1.Fetch(context.Background(), "revenue", nil, staticFetch(&calls, "payload"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	c2 := newTestClient(t, WithSnapshots(snaps), WithStaleAfter(30*time.Millisecond))
	entry, err := c2.Fetch(context.Background(), "revenue", nil, staticFetch(&calls, "fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", entry.Data)
	assert.Equal(t, int64(2), calls.Load(), "stale snapshot still requires a fetch")
}

func TestBreakerOpenFailsFast(t *testing.T) {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 1, CoolOff: time.Hour})
	c := newTestClient(t, WithBreaker(breaker), WithMaxRetries(0))
	var calls atomic.Int64
	failing := func(ctx context.Context, params map[string]any) (any, error) {
		calls.Add(1)
		return nil, MarkServer(errors.New("boom"))
	}

	_, err := c.Fetch(context.Background(), "revenue", nil, failing)
	assert.Error(t, err)
	require.Equal(t, resilience.BreakerOpen, breaker.State())

	// Second query: breaker short-circuits before the fetch function.
	_, err = c.Fetch(context.Background(), "orders", nil, failing)
	assert.ErrorIs(t, err, resilience.ErrBreakerOpen)
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetchHonorsCallerContext(t *testing.T) {
	c := newTestClient(t)
	gate := make(chan struct{})
	defer close(gate)
	fetch := func(ctx context.Context, params map[string]any) (any, error) {
		<-gate
		return "payload", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, "revenue", nil, fetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
