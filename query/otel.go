package query

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var tracer = otel.Tracer("dashgrid/go-query")

// meters holds the cache instruments. They bind against the globally
// registered meter provider at Store/Client construction time, so install
// an SDK provider before building either.
type meters struct {
	hits       metric.Int64Counter
	misses     metric.Int64Counter
	dedupJoins metric.Int64Counter
	refetches  metric.Int64Counter
	retries    metric.Int64Counter
	evictions  metric.Int64Counter
	fetchTime  metric.Float64Histogram
}

func newMeters() meters {
	meter := otel.Meter("dashgrid/go-query")
	return meters{
		hits:       int64Counter(meter, "query.cache.hits", "Lookups served from a fresh cache entry"),
		misses:     int64Counter(meter, "query.cache.misses", "Lookups that launched a fetch"),
		dedupJoins: int64Counter(meter, "query.cache.dedup_joins", "Lookups that joined an in-flight fetch"),
		refetches:  int64Counter(meter, "query.cache.refetches", "Fetches that replaced a settled entry"),
		retries:    int64Counter(meter, "query.fetch.retries", "Automatic retries of transient fetch failures"),
		evictions:  int64Counter(meter, "query.cache.evictions", "Entries removed by eviction"),
		fetchTime:  float64Histogram(meter, "query.fetch.duration", "Fetch duration in seconds, retries included"),
	}
}

func int64Counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
		c, _ = noop.NewMeterProvider().Meter("").Int64Counter(name)
	}
	return c
}

func float64Histogram(meter metric.Meter, name, desc string) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	if err != nil {
		otel.Handle(err)
		h, _ = noop.NewMeterProvider().Meter("").Float64Histogram(name)
	}
	return h
}
