package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "settlement"

// Metrics holds the collectors shared by the settlement components.
type Metrics struct {
	GatewayRequests     *prometheus.CounterVec
	GatewayDuration     *prometheus.HistogramVec
	AuditWritten        *prometheus.CounterVec
	AuditDropped        prometheus.Counter
	AuditSinkFailures   prometheus.Counter
	Settlements         *prometheus.CounterVec
	InventoryOperations *prometheus.CounterVec
	VisibilityChanges   *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Payment gateway calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of payment gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		AuditWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_written_total",
			Help:      "Audit events persisted, by event kind.",
		}, []string{"event"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped because the queue was full or closed.",
		}),
		AuditSinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_sink_failures_total",
			Help:      "Audit events the sink failed to persist.",
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement attempts by source and outcome.",
		}, []string{"source", "outcome"}),
		InventoryOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_operations_total",
			Help:      "Inventory debit/restore operations by outcome.",
		}, []string{"operation", "outcome"}),
		VisibilityChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visibility_changes_total",
			Help:      "Products activated or deactivated by capacity enforcement.",
		}, []string{"change"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.GatewayRequests,
		m.GatewayDuration,
		m.AuditWritten,
		m.AuditDropped,
		m.AuditSinkFailures,
		m.Settlements,
		m.InventoryOperations,
		m.VisibilityChanges,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// OrDiscard returns m, or collectors bound to a throwaway registry when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return New(prometheus.NewRegistry())
	}
	return m
}
