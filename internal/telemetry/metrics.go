package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/coursepulse"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Idle coordinator metrics
	IdleTransitionsTotal  metric.Int64Counter
	SessionsExpiredTotal  metric.Int64Counter
	ActivityAcceptedTotal metric.Int64Counter
	ActivityThrottled     metric.Int64Counter
	ActiveTabs            metric.Int64UpDownCounter

	// Maintenance gate metrics
	MaintenancePollsTotal    metric.Int64Counter
	MaintenanceFailuresTotal metric.Int64Counter
	MaintenancePollsSkipped  metric.Int64Counter
	MaintenancePollDuration  metric.Float64Histogram

	// Auth boundary metrics
	AuthRejectionsTotal metric.Int64Counter
	AuthRedirectsTotal  metric.Int64Counter

	// Shared store metrics
	StoreBroadcastsTotal metric.Int64Counter
	StoreReconnectsTotal metric.Int64Counter
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

	m.IdleTransitionsTotal, _ = meter.Int64Counter(
		"coursepulse.idle.transitions.total",
		metric.WithDescription("Total number of idle state transitions by target phase"),
		metric.WithUnit("{transition}"),
	)

	m.SessionsExpiredTotal, _ = meter.Int64Counter(
		"coursepulse.idle.expired.total",
		metric.WithDescription("Total number of tabs that reached EXPIRED, by reason"),
		metric.WithUnit("{session}"),
	)

	m.ActivityAcceptedTotal, _ = meter.Int64Counter(
		"coursepulse.idle.activity.accepted.total",
		metric.WithDescription("Total number of activity signals that reset the idle timer"),
		metric.WithUnit("{signal}"),
	)

	m.ActivityThrottled, _ = meter.Int64Counter(
		"coursepulse.idle.activity.throttled.total",
		metric.WithDescription("Total number of activity signals dropped by the throttle"),
		metric.WithUnit("{signal}"),
	)

	m.ActiveTabs, _ = meter.Int64UpDownCounter(
		"coursepulse.tabs.mounted",
		metric.WithDescription("Number of mounted tabs"),
		metric.WithUnit("{tab}"),
	)

	m.MaintenancePollsTotal, _ = meter.Int64Counter(
		"coursepulse.maintenance.polls.total",
		metric.WithDescription("Total number of settings polls"),
		metric.WithUnit("{poll}"),
	)

	m.MaintenanceFailuresTotal, _ = meter.Int64Counter(
		"coursepulse.maintenance.failures.total",
		metric.WithDescription("Total number of settings polls that failed open"),
		metric.WithUnit("{poll}"),
	)

	m.MaintenancePollsSkipped, _ = meter.Int64Counter(
		"coursepulse.maintenance.polls.skipped.total",
		metric.WithDescription("Total number of poll ticks dropped while a fetch was in flight"),
		metric.WithUnit("{poll}"),
	)

	m.MaintenancePollDuration, _ = meter.Float64Histogram(
		"coursepulse.maintenance.poll.duration",
		metric.WithDescription("Duration of settings polls including retries"),
		metric.WithUnit("ms"),
	)

	m.AuthRejectionsTotal, _ = meter.Int64Counter(
		"coursepulse.authboundary.rejections.total",
		metric.WithDescription("Total number of 401 responses observed"),
		metric.WithUnit("{response}"),
	)

	m.AuthRedirectsTotal, _ = meter.Int64Counter(
		"coursepulse.authboundary.redirects.total",
		metric.WithDescription("Total number of 401 responses that cleared the session and redirected to login"),
		metric.WithUnit("{redirect}"),
	)

	m.StoreBroadcastsTotal, _ = meter.Int64Counter(
		"coursepulse.store.broadcasts.total",
		metric.WithDescription("Total number of shared store changes delivered to other tabs"),
		metric.WithUnit("{change}"),
	)

	m.StoreReconnectsTotal, _ = meter.Int64Counter(
		"coursepulse.store.reconnects.total",
		metric.WithDescription("Total number of times a lost change listener was re-established"),
		metric.WithUnit("{reconnect}"),
	)

	return m
}
