package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicegate_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devicegate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Gate metrics
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicegate_validations_total",
			Help: "Validations by outcome",
		},
		[]string{"outcome"}, // authorized, invalid_key, device_blocked, quota_exceeded, error
	)

	ValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devicegate_validation_duration_seconds",
			Help:    "Validation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	DevicesRegisteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "devicegate_devices_registered_total",
			Help: "Devices registered by the gate",
		},
	)

	GeoLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicegate_geo_lookups_total",
			Help: "Location enrichment attempts",
		},
		[]string{"status"}, // ok, failed
	)

	// Audit metrics
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicegate_audit_events_total",
			Help: "Audit events handled by the recorder",
		},
		[]string{"status"}, // written, dropped, failed
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicegate_audit_queue_depth",
			Help: "Audit events waiting to be written",
		},
	)

	// Lookup metrics
	LookupRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devicegate_lookup_request_duration_seconds",
			Help:    "Upstream lookup duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"endpoint", "status"},
	)

	// Notification metrics
	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicegate_event_subscribers",
			Help: "Live dashboard event subscribers",
		},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
