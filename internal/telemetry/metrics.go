package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/remotebuild"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Pairing metrics
	PinsIssuedTotal   metric.Int64Counter
	PinsConsumedTotal metric.Int64Counter
	PinsRejectedTotal metric.Int64Counter
	PinsExpiredTotal  metric.Int64Counter

	// Module metrics
	ModulesMounted         metric.Int64UpDownCounter
	ModuleLoadErrorsTotal  metric.Int64Counter
	ModuleShutdownDuration metric.Float64Histogram
	ModuleShutdownTimeouts metric.Int64Counter
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

	// Pairing metrics
	m.PinsIssuedTotal, _ = meter.Int64Counter(
		"remotebuild.pins.issued.total",
		metric.WithDescription("Total number of pairing pins issued"),
		metric.WithUnit("{pin}"),
	)

	m.PinsConsumedTotal, _ = meter.Int64Counter(
		"remotebuild.pins.consumed.total",
		metric.WithDescription("Total number of pairing pins redeemed for a client bundle"),
		metric.WithUnit("{pin}"),
	)

	m.PinsRejectedTotal, _ = meter.Int64Counter(
		"remotebuild.pins.rejected.total",
		metric.WithDescription("Total number of bundle downloads rejected for unknown, consumed or expired pins"),
		metric.WithUnit("{request}"),
	)

	m.PinsExpiredTotal, _ = meter.Int64Counter(
		"remotebuild.pins.expired.total",
		metric.WithDescription("Total number of pins that expired unconsumed"),
		metric.WithUnit("{pin}"),
	)

	// Module metrics
	m.ModulesMounted, _ = meter.Int64UpDownCounter(
		"remotebuild.modules.mounted",
		metric.WithDescription("Number of currently mounted modules"),
		metric.WithUnit("{module}"),
	)

	m.ModuleLoadErrorsTotal, _ = meter.Int64Counter(
		"remotebuild.modules.load_errors.total",
		metric.WithDescription("Total number of module factory failures"),
		metric.WithUnit("{error}"),
	)

	m.ModuleShutdownDuration, _ = meter.Float64Histogram(
		"remotebuild.modules.shutdown.duration",
		metric.WithDescription("Duration of module shutdown calls"),
		metric.WithUnit("s"),
	)

	m.ModuleShutdownTimeouts, _ = meter.Int64Counter(
		"remotebuild.modules.shutdown.timeouts.total",
		metric.WithDescription("Total number of module shutdowns abandoned after the timeout"),
		metric.WithUnit("{module}"),
	)

	return m
}
