package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/jobwait"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Wait metrics
	WaitsStartedTotal   metric.Int64Counter
	WaitsResolvedTotal  metric.Int64Counter
	WaitsCancelledTotal metric.Int64Counter
	WaitsTimedOutTotal  metric.Int64Counter
	WaitsFailedTotal    metric.Int64Counter
	ActiveWaits         metric.Int64UpDownCounter
	WaitDuration        metric.Float64Histogram

	// Message metrics
	MalformedMessagesTotal metric.Int64Counter
	StoredResultHitsTotal  metric.Int64Counter

	// Publish metrics
	CompletionsPublishedTotal metric.Int64Counter
	PublishErrorsTotal        metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.WaitsStartedTotal, _ = meter.Int64Counter(
		"jobwait.waits.started.total",
		metric.WithDescription("Total number of completion waits started"),
		metric.WithUnit("{wait}"),
	)

	m.WaitsResolvedTotal, _ = meter.Int64Counter(
		"jobwait.waits.resolved.total",
		metric.WithDescription("Total number of waits resolved by a matching completion"),
		metric.WithUnit("{wait}"),
	)

	m.WaitsCancelledTotal, _ = meter.Int64Counter(
		"jobwait.waits.cancelled.total",
		metric.WithDescription("Total number of waits abandoned by the caller"),
		metric.WithUnit("{wait}"),
	)

	m.WaitsTimedOutTotal, _ = meter.Int64Counter(
		"jobwait.waits.timed_out.total",
		metric.WithDescription("Total number of waits that hit the configured deadline"),
		metric.WithUnit("{wait}"),
	)

	m.WaitsFailedTotal, _ = meter.Int64Counter(
		"jobwait.waits.failed.total",
		metric.WithDescription("Total number of waits failed by transport errors"),
		metric.WithUnit("{wait}"),
	)

	m.ActiveWaits, _ = meter.Int64UpDownCounter(
		"jobwait.waits.active",
		metric.WithDescription("Number of waits currently subscribed"),
		metric.WithUnit("{wait}"),
	)

	m.WaitDuration, _ = meter.Float64Histogram(
		"jobwait.waits.duration",
		metric.WithDescription("Time from subscribe to resolution"),
		metric.WithUnit("ms"),
	)

	m.MalformedMessagesTotal, _ = meter.Int64Counter(
		"jobwait.messages.malformed.total",
		metric.WithDescription("Total number of delivered messages that were not valid completions"),
		metric.WithUnit("{message}"),
	)

	m.StoredResultHitsTotal, _ = meter.Int64Counter(
		"jobwait.results.stored_hits.total",
		metric.WithDescription("Total number of waits resolved from the result store"),
		metric.WithUnit("{wait}"),
	)

	m.CompletionsPublishedTotal, _ = meter.Int64Counter(
		"jobwait.completions.published.total",
		metric.WithDescription("Total number of completions published"),
		metric.WithUnit("{completion}"),
	)

	m.PublishErrorsTotal, _ = meter.Int64Counter(
		"jobwait.completions.publish_errors.total",
		metric.WithDescription("Total number of completion publish errors"),
		metric.WithUnit("{error}"),
	)

	return m
}
