package query

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dashgrid/go-query/resilience"
)

// FetchFunc produces the result for one query. Implementations are
// transport-specific (GraphQL execution, REST call); the coordinator only
// relies on this contract. Errors should be classified with MarkNetwork,
// MarkServer, MarkValidation, or MarkDecode so the retry policy can tell
// transient from permanent failures. Unclassified errors are not retried.
type FetchFunc func(ctx context.Context, params map[string]any) (any, error)

// Client coordinates fetches against a Store. It deduplicates concurrent
// requests per key, refetches stale entries, retries transient failures
// with exponential backoff, and optionally seeds from and writes through a
// snapshot tier. Only the Client writes entries; consumers read and
// subscribe through it.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc
	store  *Store
	cfg    config
	logger *zap.Logger
	m      meters

	mu       sync.Mutex
	inflight map[Key]*inflight
	wg       sync.WaitGroup
	once     sync.Once
}

// inflight is the single active fetch for a key. At most one exists per key
// at any time; that is the deduplication guarantee.
type inflight struct {
	key  Key
	done chan struct{}

	// entry is the settled result, valid once done is closed.
	entry Entry

	// waiters counts blocked Fetch callers, guarded by Client.mu.
	waiters int
}

// NewClient returns a Client owning its Store. The Client runs until parent
// is cancelled or Close is called.
func NewClient(parent context.Context, opts ...Option) *Client {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		logger:   cfg.logger.Named("query"),
		m:        newMeters(),
		inflight: make(map[Key]*inflight),
	}
	c.store = NewStore(ctx, opts...)
	return c
}

// Store exposes the underlying cache store for read-side access.
func (c *Client) Store() *Store { return c.store }

// Watch subscribes to the entry for (op, params) and ensures it is fresh,
// launching or joining a fetch as needed. The returned Subscription replays
// the current entry immediately and then delivers every transition until
// cancelled.
func (c *Client) Watch(op string, params map[string]any, fetch FetchFunc, opts ...QueryOption) *Subscription {
	key := MakeKey(op, params)
	qcfg := c.queryConfig(op, opts)
	sub := newSubscription(key)
	sub.cancel = c.store.Subscribe(key, sub.deliver)
	c.ensureFresh(key, params, fetch, qcfg, false)
	return sub
}

// Fetch ensures freshness for (op, params) and blocks until the entry
// settles or ctx is done. On success the entry's Err is nil; on a settled
// failure the surfaced error is returned alongside the entry, which may
// still carry stale data from a prior success.
func (c *Client) Fetch(ctx context.Context, op string, params map[string]any, fetch FetchFunc, opts ...QueryOption) (Entry, error) {
	key := MakeKey(op, params)
	qcfg := c.queryConfig(op, opts)
	entry, fl := c.ensureFresh(key, params, fetch, qcfg, true)
	if fl == nil {
		return entry, nil
	}
	defer c.release(fl)
	select {
	case <-fl.done:
		return fl.entry, fl.entry.Err
	case <-ctx.Done():
		cur, _ := c.store.Get(key)
		return cur, ctx.Err()
	}
}

// Prefetch warms the cache for (op, params) without subscribing or
// blocking.
func (c *Client) Prefetch(op string, params map[string]any, fetch FetchFunc, opts ...QueryOption) {
	key := MakeKey(op, params)
	c.ensureFresh(key, params, fetch, c.queryConfig(op, opts), false)
}

// Invalidate marks the entry for (op, params) stale; the next lookup will
// refetch while consumers keep seeing the old data.
func (c *Client) Invalidate(op string, params map[string]any) {
	c.store.Invalidate(MakeKey(op, params))
}

// InvalidateOperation marks every entry of the operation stale, regardless
// of parameters. Typical trigger: a dashboard-wide filter change.
func (c *Client) InvalidateOperation(op string) {
	c.store.InvalidateMatching(func(k Key) bool { return k.Operation() == op })
}

// Close cancels in-flight fetches, waits for them to settle, and stops the
// store sweep. An attached SnapshotStore is not closed; the caller owns it.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.store.Close()
	})
}

// queryConfig resolves the effective per-query configuration: client
// defaults, then the operation's policy, then per-call overrides.
func (c *Client) queryConfig(op string, opts []QueryOption) queryConfig {
	qc := queryConfig{staleAfter: c.cfg.staleAfter}
	if p, ok := c.cfg.policies.Lookup(op); ok {
		if p.StaleAfter > 0 {
			qc.staleAfter = p.StaleAfter
		}
		if p.IdleAfter > 0 {
			qc.idleAfter = p.IdleAfter
		}
	}
	for _, opt := range opts {
		opt(&qc)
	}
	return qc
}

// ensureFresh implements the lookup protocol: fresh entry, join in-flight,
// or launch a fetch. It returns (entry, nil) when the caller can use the
// entry immediately, or (zero, inflight) when a fetch is pending.
func (c *Client) ensureFresh(key Key, params map[string]any, fetch FetchFunc, qcfg queryConfig, wait bool) (Entry, *inflight) {
	now := time.Now()
	attrs := metric.WithAttributes(attribute.String("operation", key.Operation()))

	if e, ok := c.store.Get(key); ok && e.Fresh(now) && !c.store.Stale(key) {
		c.m.hits.Add(c.ctx, 1, attrs)
		return e, nil
	}

	c.mu.Lock()
	if fl, ok := c.inflight[key]; ok {
		if wait {
			fl.waiters++
		}
		c.mu.Unlock()
		c.m.dedupJoins.Add(c.ctx, 1, attrs)
		return Entry{}, fl
	}
	fl := &inflight{key: key, done: make(chan struct{})}
	if wait {
		fl.waiters = 1
	}
	c.inflight[key] = fl
	c.mu.Unlock()
	c.m.misses.Add(c.ctx, 1, attrs)

	prev, _ := c.store.Get(key)
	loading := Entry{
		Key:        key,
		Status:     StatusLoading,
		Data:       prev.Data,
		FetchedAt:  prev.FetchedAt,
		StaleAfter: qcfg.staleAfter,
		IdleAfter:  qcfg.idleAfter,
	}

	// A cold entry may be seedable from the snapshot tier: fresh snapshots
	// settle without a network call, stale ones back the loading state so
	// the consumer sees data while the fetch runs.
	if c.cfg.snapshots != nil && prev.Data == nil {
		if snap, data, ok := c.loadSnapshot(key); ok {
			if qcfg.staleAfter > 0 && now.Sub(snap.FetchedAt) < qcfg.staleAfter {
				e := Entry{
					Key:        key,
					Status:     StatusSuccess,
					Data:       data,
					FetchedAt:  snap.FetchedAt,
					StaleAfter: qcfg.staleAfter,
					IdleAfter:  qcfg.idleAfter,
				}
				c.store.Set(key, e)
				c.settle(fl, e)
				c.m.hits.Add(c.ctx, 1, attrs)
				return e, nil
			}
			loading.Data = data
			loading.FetchedAt = snap.FetchedAt
		}
	}

	c.store.Set(key, loading)
	if prev.Settled() {
		c.m.refetches.Add(c.ctx, 1, attrs)
	}
	c.wg.Add(1)
	go c.run(fl, params, fetch, qcfg)
	return Entry{}, fl
}

// run executes the fetch with the retry policy and settles the entry. It
// runs on the client's context, not a caller's: a result is cached even
// when every caller has gone away, but retries stop once nobody would
// observe them.
func (c *Client) run(fl *inflight, params map[string]any, fetch FetchFunc, qcfg queryConfig) {
	defer c.wg.Done()
	op := fl.key.Operation()
	attrs := metric.WithAttributes(attribute.String("operation", op))
	ctx, span := tracer.Start(c.ctx, "query.fetch", trace.WithAttributes(
		attribute.String("operation", op),
		attribute.String("query.key", fl.key.String()),
	))
	defer span.End()

	var data any
	rcfg := resilience.RetryConfig{
		MaxRetries:        c.cfg.maxRetries,
		InitialBackoff:    c.cfg.retryBackoff,
		MaxBackoff:        c.cfg.maxBackoff,
		BackoffMultiplier: c.cfg.backoffFactor,
		Jitter:            c.cfg.jitter,
		RetryIf: func(err error) bool {
			return IsTransient(err) && c.observed(fl)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.m.retries.Add(ctx, 1, attrs)
			c.logger.Debug("retrying fetch",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
		},
	}

	start := time.Now()
	err := resilience.Retry(ctx, rcfg, func() error {
		v, aerr := c.attempt(ctx, params, fetch)
		if aerr != nil {
			return aerr
		}
		data = v
		return nil
	})
	c.m.fetchTime.Record(ctx, time.Since(start).Seconds(), attrs)

	now := time.Now()
	prev, _ := c.store.Get(fl.key)
	var e Entry
	if err != nil {
		span.RecordError(err)
		e = Entry{
			Key:        fl.key,
			Status:     StatusError,
			Err:        err,
			Data:       prev.Data,
			FetchedAt:  prev.FetchedAt,
			StaleAfter: qcfg.staleAfter,
			IdleAfter:  qcfg.idleAfter,
		}
		c.logger.Warn("fetch failed", zap.String("operation", op), zap.Stringer("key", fl.key), zap.Error(err))
	} else {
		e = Entry{
			Key:        fl.key,
			Status:     StatusSuccess,
			Data:       data,
			FetchedAt:  now,
			StaleAfter: qcfg.staleAfter,
			IdleAfter:  qcfg.idleAfter,
		}
		if c.cfg.snapshots != nil {
			c.saveSnapshot(fl.key, data, now, qcfg)
		}
	}
	c.store.Set(fl.key, e)
	c.settle(fl, e)
}

// attempt performs one fetch call under the per-attempt timeout and the
// optional circuit breaker. An attempt deadline maps to a transient network
// error; the caller's own cancellation passes through untouched.
func (c *Client) attempt(ctx context.Context, params map[string]any, fetch FetchFunc) (any, error) {
	actx := ctx
	if c.cfg.fetchTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.cfg.fetchTimeout)
		defer cancel()
	}

	var data any
	call := func() error {
		v, err := fetch(actx, params)
		if err != nil {
			return err
		}
		data = v
		return nil
	}

	var err error
	if c.cfg.breaker != nil {
		err = c.cfg.breaker.Do(call)
	} else {
		err = call()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, MarkNetwork(errors.Wrap(err, "fetch attempt timed out"))
		}
		return nil, err
	}
	return data, nil
}

// observed reports whether anyone would see a retry: a blocked Fetch caller
// or a store subscriber.
func (c *Client) observed(fl *inflight) bool {
	c.mu.Lock()
	waiters := fl.waiters
	c.mu.Unlock()
	return waiters > 0 || c.store.SubscriberCount(fl.key) > 0
}

func (c *Client) settle(fl *inflight, e Entry) {
	c.mu.Lock()
	fl.entry = e
	delete(c.inflight, fl.key)
	c.mu.Unlock()
	close(fl.done)
}

func (c *Client) release(fl *inflight) {
	c.mu.Lock()
	fl.waiters--
	c.mu.Unlock()
}

func (c *Client) loadSnapshot(key Key) (Snapshot, any, bool) {
	snap, found, err := func() (Snapshot, bool, error) {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.snapshotTimeout)
		defer cancel()
		found, snap, err := c.cfg.snapshots.Load(ctx, key)
		return snap, found, err
	}()
	if err != nil {
		c.logger.Warn("snapshot load failed", zap.Stringer("key", key), zap.Error(err))
		return Snapshot{}, nil, false
	}
	if !found {
		return Snapshot{}, nil, false
	}
	var data any
	if err := msgpack.Unmarshal(snap.Data, &data); err != nil {
		c.logger.Warn("snapshot decode failed", zap.Stringer("key", key), zap.Error(err))
		return Snapshot{}, nil, false
	}
	return snap, data, true
}

// saveSnapshot writes through a successful result. Failures degrade to a
// log line; the fetch already succeeded.
func (c *Client) saveSnapshot(key Key, data any, fetchedAt time.Time, qcfg queryConfig) {
	b, err := msgpack.Marshal(data)
	if err != nil {
		c.logger.Warn("snapshot encode failed", zap.Stringer("key", key), zap.Error(err))
		return
	}
	// Snapshots outlive the freshness window so a warm start can show
	// stale data while revalidating.
	idle := qcfg.idleAfter
	if idle <= 0 {
		idle = c.cfg.idleEviction
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.snapshotTimeout)
	defer cancel()
	if err := c.cfg.snapshots.Save(ctx, key, Snapshot{Data: b, FetchedAt: fetchedAt}, qcfg.staleAfter+idle); err != nil {
		c.logger.Warn("snapshot save failed", zap.Stringer("key", key), zap.Error(err))
	}
}
