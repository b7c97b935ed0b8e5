package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements provision.Metrics using Prometheus.
type Metrics struct {
	eventsReservedTotal *prometheus.CounterVec
	eventOutcomesTotal  *prometheus.CounterVec
	jobTransitionsTotal *prometheus.CounterVec
	provisionDuration   *prometheus.HistogramVec
	reconcilesTotal     *prometheus.CounterVec
	reprocessesTotal    *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for the
// provisioning pipeline.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsReservedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "events_reserved_total",
			Help:      "Total number of intake reservations by verdict.",
		}, []string{"event_type", "verdict"}),

		eventOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "event_outcomes_total",
			Help:      "Total number of terminal event transitions.",
		}, []string{"event_type", "outcome"}),

		jobTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "job_transitions_total",
			Help:      "Total number of job checkpoint transitions.",
		}, []string{"from", "to"}),

		provisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "provision_duration_seconds",
			Help:      "Duration of provisioning attempts in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		reconcilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "reconciles_total",
			Help:      "Total number of subscription reconciliation passes.",
		}, []string{"kind", "outcome"}),

		reprocessesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "reprocesses_total",
			Help:      "Total number of reprocessing gateway invocations.",
		}, []string{"mode", "outcome"}),
	}
}

func (m *Metrics) RecordEventReserved(eventType, verdict string) {
	m.eventsReservedTotal.WithLabelValues(eventType, verdict).Inc()
}

func (m *Metrics) RecordEventOutcome(eventType, outcome string) {
	m.eventOutcomesTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordJobTransition(from, to string) {
	m.jobTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordProvisionDuration(outcome string, duration time.Duration) {
	m.provisionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordReconcile(kind, outcome string) {
	m.reconcilesTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordReprocess(mode, outcome string) {
	m.reprocessesTotal.WithLabelValues(mode, outcome).Inc()
}
