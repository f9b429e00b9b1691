// Package query provides a client-side data-query cache with request
// deduplication and staleness-driven refetch, built for dashboard-style
// consumers that render many views over the same backend queries.
//
// # Keys
//
// A query is identified by a [Key]: the operation name plus a canonical
// encoding of its parameters. [MakeKey] sorts mapping keys recursively,
// collapses nil values to one sentinel, and preserves slice order (a list
// of selected item groups is order significant). Parameter insertion order
// never affects identity, so two call sites building the same logical
// query always share a cache entry.
//
// # Entries and subscriptions
//
// Each key maps to an [Entry] that moves through idle, loading, success,
// and error. Success keeps data and clears the error; error keeps the
// error and may retain data from a prior success, so a consumer can show
// stale data next to an error banner. The [Store] fans out every
// transition to subscribers synchronously and in write order; a
// [Subscription] replays the current entry on attach and then streams
// transitions until cancelled. Entries with subscribers are never evicted;
// once the last subscriber detaches, a background sweep evicts the entry
// after an idle grace period (WithIdleEviction, default 5 minutes).
//
// # The coordinator
//
// A [Client] is the only writer. [Client.Watch] and [Client.Fetch] run the
// lookup protocol: a fresh entry is returned without a network call;
// otherwise the caller joins the single in-flight fetch for that key, or
// launches one. For any number of concurrent callers on one key, exactly
// one [FetchFunc] call occurs. Transient failures (network, server, or an
// attempt timeout) are retried with exponential backoff and jitter, up to
// WithMaxRetries (default 2, base 300ms, factor 2). Validation and decode
// failures surface immediately. If every observer detaches mid-flight, the
// result is still cached but remaining retries are skipped.
//
// Freshness is configurable at three levels: client default
// (WithStaleAfter), per-operation [Policies] (WithPolicies, loadable from
// YAML via [LoadPolicies]), and per-call overrides ([StaleAfter]). A zero
// window disables caching for that query. [Client.Invalidate] marks
// entries stale without dropping data: the next lookup refetches while
// consumers keep seeing the old payload (stale-while-revalidate).
//
// # Snapshots
//
// An optional [SnapshotStore] (WithSnapshots) persists successful results
// outside the process. Cold lookups seed from a snapshot — settling
// immediately when it is still fresh, or backing the loading state with
// stale data — and every successful fetch writes through. Use
// [NewRedisSnapshots] to share snapshots across processes, or
// [NewMemorySnapshots] in tests.
//
// # Observability
//
// The package records OpenTelemetry metrics (cache hits, misses, dedup
// joins, refetches, retries, evictions, fetch duration) and a span per
// underlying fetch. Instruments bind to the global meter provider when a
// Store or Client is constructed. Logging goes through an optional
// zap.Logger (WithLogger); the default is a no-op.
package query
