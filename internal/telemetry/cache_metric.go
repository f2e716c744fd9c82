package internaltelemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// AttrResult is "hit" or "miss" on cache reference counts.
const AttrResult = attribute.Key("gojogrid.cache.result")

// CacheMetrics holds the metric instruments for coverage caches.
type CacheMetrics struct {
	ReferencesCounter    metric.Int64Counter
	ReclaimedCounter     metric.Int64Counter
	EntriesUpDownCounter metric.Int64UpDownCounter
}

func NewCacheMetrics(meter metric.Meter) (*CacheMetrics, error) {
	referencesCounter, err := meter.Int64Counter(
		"gojogrid.cache.references_total",
		metric.WithDescription("Total number of Reference calls, by hit or miss."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	reclaimedCounter, err := meter.Int64Counter(
		"gojogrid.cache.reclaimed_total",
		metric.WithDescription("Total number of entries removed after their value was collected."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	entriesUpDownCounter, err := meter.Int64UpDownCounter(
		"gojogrid.cache.entries",
		metric.WithDescription("Number of live cache entries."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{
		ReferencesCounter:    referencesCounter,
		ReclaimedCounter:     reclaimedCounter,
		EntriesUpDownCounter: entriesUpDownCounter,
	}, nil
}

func NoopCacheMetrics() *CacheMetrics {
	m, _ := NewCacheMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
