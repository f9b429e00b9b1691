package query

import (
	"time"

	"go.uber.org/zap"

	"github.com/dashgrid/go-query/resilience"
)

// DefaultStaleAfter is the freshness window used when neither a policy nor
// a per-query override applies.
const DefaultStaleAfter = time.Minute

// DefaultIdleEviction is how long an entry with zero subscribers survives
// before the background sweep may evict it.
const DefaultIdleEviction = 5 * time.Minute

// DefaultFetchTimeout bounds a single fetch attempt. A timeout classifies
// as a transient network error and follows the retry policy.
const DefaultFetchTimeout = 10 * time.Second

// DefaultSnapshotTimeout is the per-operation timeout for snapshot stores
// that perform I/O (Redis). Prevents indefinite hangs on slow storage.
const DefaultSnapshotTimeout = 5 * time.Second

const (
	defaultSweepInterval = 30 * time.Second
	defaultMaxRetries    = 2
	defaultRetryBackoff  = 300 * time.Millisecond
	defaultMaxBackoff    = 5 * time.Second
	defaultBackoffFactor = 2.0
)

// config holds the resolved configuration shared by Store and Client.
type config struct {
	staleAfter      time.Duration
	idleEviction    time.Duration
	sweepInterval   time.Duration
	fetchTimeout    time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	maxBackoff      time.Duration
	backoffFactor   float64
	jitter          bool
	logger          *zap.Logger
	snapshots       SnapshotStore
	breaker         *resilience.Breaker
	policies        Policies
	prefix          string
	snapshotTimeout time.Duration
}

// Option configures a Store or Client.
type Option func(*config)

func defaultOptions() config {
	return config{
		staleAfter:      DefaultStaleAfter,
		idleEviction:    DefaultIdleEviction,
		sweepInterval:   defaultSweepInterval,
		fetchTimeout:    DefaultFetchTimeout,
		maxRetries:      defaultMaxRetries,
		retryBackoff:    defaultRetryBackoff,
		maxBackoff:      defaultMaxBackoff,
		backoffFactor:   defaultBackoffFactor,
		jitter:          true,
		logger:          zap.NewNop(),
		snapshotTimeout: DefaultSnapshotTimeout,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithStaleAfter sets the default freshness window. Per-operation policies
// and per-query overrides take precedence.
func WithStaleAfter(d time.Duration) Option {
	return func(c *config) { c.staleAfter = d }
}

// WithIdleEviction sets the grace period after the last subscriber detaches
// before an entry becomes eligible for eviction.
func WithIdleEviction(d time.Duration) Option {
	return func(c *config) { c.idleEviction = d }
}

// WithSweepInterval sets how often the background sweep looks for idle
// entries to evict.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithFetchTimeout bounds each fetch attempt. Zero disables the per-attempt
// timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *config) { c.fetchTimeout = d }
}

// WithMaxRetries sets the automatic retry budget for transient failures.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithRetryBackoff sets the base delay before the first retry. Subsequent
// delays grow by the backoff factor up to the configured maximum.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *config) { c.retryBackoff = d }
}

// WithMaxRetryBackoff caps the delay between retries.
func WithMaxRetryBackoff(d time.Duration) Option {
	return func(c *config) { c.maxBackoff = d }
}

// WithJitter toggles backoff jitter.
func WithJitter(enabled bool) Option {
	return func(c *config) { c.jitter = enabled }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSnapshots attaches a SnapshotStore: successful results are written
// through and cold starts are seeded from it. The caller owns the store's
// lifecycle.
func WithSnapshots(s SnapshotStore) Option {
	return func(c *config) { c.snapshots = s }
}

// WithBreaker guards fetches with a circuit breaker. Breaker-open failures
// are not retried.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *config) { c.breaker = b }
}

// WithPolicies installs per-operation freshness policies.
func WithPolicies(p Policies) Option {
	return func(c *config) { c.policies = p }
}

// WithPrefix namespaces snapshot keys, so multiple deployments can share a
// Redis instance.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithSnapshotTimeout sets the per-operation timeout for snapshot I/O.
func WithSnapshotTimeout(d time.Duration) Option {
	return func(c *config) { c.snapshotTimeout = d }
}

// queryConfig is the per-query effective configuration after policies and
// overrides are applied.
type queryConfig struct {
	staleAfter time.Duration
	idleAfter  time.Duration
}

// QueryOption overrides cache behavior for a single Watch or Fetch call.
type QueryOption func(*queryConfig)

// StaleAfter overrides the freshness window for this query. Zero disables
// caching: every lookup refetches.
func StaleAfter(d time.Duration) QueryOption {
	return func(q *queryConfig) { q.staleAfter = d }
}

// IdleAfter overrides the idle-eviction grace period for this query's entry.
func IdleAfter(d time.Duration) QueryOption {
	return func(q *queryConfig) { q.idleAfter = d }
}
