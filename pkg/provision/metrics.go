package provision

import "time"

// Metrics defines the interface for tracking pipeline operations.
// All methods are optional - components gracefully handle nil by falling
// back to NoopMetrics.
type Metrics interface {
	// RecordEventReserved records the verdict of an intake reservation.
	// verdict: "fresh", "retry", "duplicate" or "lost_claim"
	RecordEventReserved(eventType, verdict string)

	// RecordEventOutcome records the terminal transition of an event.
	// outcome: "processed" or "failed"
	RecordEventOutcome(eventType, outcome string)

	// RecordJobTransition records a job checkpoint advancing between statuses.
	RecordJobTransition(from, to string)

	// RecordProvisionDuration records how long a provisioning attempt took.
	// outcome: "done", "short_circuit" or "failed"
	RecordProvisionDuration(outcome string, duration time.Duration)

	// RecordReconcile records a reconciliation pass.
	// kind: "subscription", "invoice_paid", "invoice_failed"
	// outcome: "applied", "skipped" or "error"
	RecordReconcile(kind, outcome string)

	// RecordReprocess records a reprocessing gateway invocation.
	// mode: caller mode; outcome: "done", "failed" or "rejected"
	RecordReprocess(mode, outcome string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEventReserved(_, _ string)                     {}
func (n *NoopMetrics) RecordEventOutcome(_, _ string)                      {}
func (n *NoopMetrics) RecordJobTransition(_, _ string)                     {}
func (n *NoopMetrics) RecordProvisionDuration(_ string, _ time.Duration)   {}
func (n *NoopMetrics) RecordReconcile(_, _ string)                         {}
func (n *NoopMetrics) RecordReprocess(_, _ string)                         {}
