package internaltelemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Attribute keys used on index instruments.
const (
	AttrOperation = attribute.Key("gojogrid.operation")
	AttrIndexID   = attribute.Key("gojogrid.index_id")
)

// IndexMetrics holds all the metric instruments for spatial indexes.
type IndexMetrics struct {
	OperationsCounter     metric.Int64Counter
	QueryLatencyHistogram metric.Float64Histogram
	NodeReadsCounter      metric.Int64Counter
	NodeWritesCounter     metric.Int64Counter
	NodeDeletesCounter    metric.Int64Counter
	EntriesUpDownCounter  metric.Int64UpDownCounter
}

// NewIndexMetrics creates and registers the index instruments on meter.
func NewIndexMetrics(meter metric.Meter) (*IndexMetrics, error) {
	operationsCounter, err := meter.Int64Counter(
		"gojogrid.index.operations_total",
		metric.WithDescription("Total number of index operations, by operation."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	queryLatencyHistogram, err := meter.Float64Histogram(
		"gojogrid.index.query.duration",
		metric.WithDescription("The latency of index queries."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	nodeReadsCounter, err := meter.Int64Counter(
		"gojogrid.index.node_reads_total",
		metric.WithDescription("Total number of nodes read from storage."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nodeWritesCounter, err := meter.Int64Counter(
		"gojogrid.index.node_writes_total",
		metric.WithDescription("Total number of nodes written to storage."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nodeDeletesCounter, err := meter.Int64Counter(
		"gojogrid.index.node_deletes_total",
		metric.WithDescription("Total number of nodes removed from storage."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	entriesUpDownCounter, err := meter.Int64UpDownCounter(
		"gojogrid.index.entries",
		metric.WithDescription("Number of logical entries held by indexes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &IndexMetrics{
		OperationsCounter:     operationsCounter,
		QueryLatencyHistogram: queryLatencyHistogram,
		NodeReadsCounter:      nodeReadsCounter,
		NodeWritesCounter:     nodeWritesCounter,
		NodeDeletesCounter:    nodeDeletesCounter,
		EntriesUpDownCounter:  entriesUpDownCounter,
	}, nil
}

// NoopIndexMetrics returns instruments that record nothing.
func NoopIndexMetrics() *IndexMetrics {
	m, _ := NewIndexMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
