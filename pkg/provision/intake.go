package provision

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Intake verdict labels used for metrics.
const (
	verdictFresh     = "fresh"
	verdictRetry     = "retry"
	verdictDuplicate = "duplicate"
	verdictLostClaim = "lost_claim"
)

// IntakeConfig holds Event Intake configuration.
type IntakeConfig struct {
	// Events is the event store (required).
	Events EventStore

	// StaleClaimAfter, when positive, allows re-claiming an event stuck in
	// processing for longer than this duration (crash recovery). When zero,
	// a stuck claim requires manual intervention.
	StaleClaimAfter time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking reservations (default: NoopMetrics).
	Metrics Metrics
}

// Intake receives provider events and decides, exactly once per delivery
// wave, whether the caller should process them. The only concurrency-control
// primitive is the conditional claim implemented by the event store.
type Intake struct {
	events          EventStore
	staleClaimAfter time.Duration
	logger          Logger
	metrics         Metrics
	now             func() time.Time
}

// NewIntake creates a new Event Intake.
func NewIntake(cfg IntakeConfig) (*Intake, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("intake: Events store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Intake{
		events:          cfg.Events,
		staleClaimAfter: cfg.StaleClaimAfter,
		logger:          logger,
		metrics:         metrics,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// Reserve records the delivery and answers whether this caller should
// process it. Exactly one concurrent caller per event id observes
// ShouldProcess true; everyone else gets a duplicate no-op verdict.
func (i *Intake) Reserve(ctx context.Context, ev ExternalEvent) (ReserveVerdict, error) {
	if ev.ID == "" {
		return ReserveVerdict{}, fmt.Errorf("intake: event id is required")
	}

	now := i.now()
	row := &InboundEvent{
		ID:                  ev.ID,
		Type:                ev.Type,
		Payload:             ev.Payload,
		Status:              EventProcessing,
		AttemptCount:        1,
		ReceivedAt:          now,
		ProcessingStartedAt: &now,
		LastSeenAt:          now,
		UpdatedAt:           now,
	}

	err := i.events.InsertProcessing(ctx, row)
	if err == nil {
		i.metrics.RecordEventReserved(ev.Type, verdictFresh)
		return ReserveVerdict{ShouldProcess: true, Duplicate: false}, nil
	}
	if !errors.Is(err, ErrDuplicateEvent) {
		return ReserveVerdict{}, fmt.Errorf("failed to record event: %w", err)
	}

	// Redelivery: refresh bookkeeping first, then decide on the existing row.
	if err := i.events.TouchEvent(ctx, ev.ID); err != nil {
		return ReserveVerdict{}, fmt.Errorf("failed to touch event: %w", err)
	}

	existing, err := i.events.GetEvent(ctx, ev.ID)
	if err != nil {
		return ReserveVerdict{}, fmt.Errorf("failed to load event: %w", err)
	}

	switch existing.Status {
	case EventProcessed:
		// Already handled - never re-process.
		i.metrics.RecordEventReserved(ev.Type, verdictDuplicate)
		return ReserveVerdict{ShouldProcess: false, Duplicate: true}, nil

	case EventProcessing:
		if !i.claimIsStale(existing) {
			// Another worker owns it right now.
			i.metrics.RecordEventReserved(ev.Type, verdictDuplicate)
			return ReserveVerdict{ShouldProcess: false, Duplicate: true}, nil
		}
		// Lease expired: treat like a retry, conditioned on the status still
		// being processing so only one caller wins.
		return i.tryClaim(ctx, ev, []EventStatus{EventProcessing})

	case EventFailed, EventReceived:
		// A legitimate retry. The conditional update decides the winner.
		return i.tryClaim(ctx, ev, []EventStatus{EventFailed, EventReceived})

	default:
		return ReserveVerdict{}, fmt.Errorf("event %s has unknown status %q", ev.ID, existing.Status)
	}
}

func (i *Intake) tryClaim(ctx context.Context, ev ExternalEvent, from []EventStatus) (ReserveVerdict, error) {
	won, err := i.events.TryClaimEvent(ctx, ev.ID, from)
	if err != nil {
		return ReserveVerdict{}, fmt.Errorf("failed to claim event: %w", err)
	}
	if !won {
		i.metrics.RecordEventReserved(ev.Type, verdictLostClaim)
		return ReserveVerdict{ShouldProcess: false, Duplicate: true}, nil
	}
	i.logger.Info("reclaimed event for retry",
		Field{Key: "event_id", Value: ev.ID},
		Field{Key: "event_type", Value: ev.Type},
	)
	i.metrics.RecordEventReserved(ev.Type, verdictRetry)
	return ReserveVerdict{ShouldProcess: true, Duplicate: true}, nil
}

func (i *Intake) claimIsStale(ev *InboundEvent) bool {
	if i.staleClaimAfter <= 0 || ev.ProcessingStartedAt == nil {
		return false
	}
	return i.now().Sub(*ev.ProcessingStartedAt) > i.staleClaimAfter
}

// MarkProcessed records the success terminal state for an event. Safe to
// call more than once.
func (i *Intake) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	if err := i.events.MarkEventProcessed(ctx, eventID); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	i.metrics.RecordEventOutcome(eventType, "processed")
	return nil
}

// MarkFailed records the failure terminal state for an event, making it
// eligible for retry on redelivery. Safe to call more than once.
func (i *Intake) MarkFailed(ctx context.Context, eventID, eventType, message string) error {
	if err := i.events.MarkEventFailed(ctx, eventID, message); err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	i.metrics.RecordEventOutcome(eventType, "failed")
	return nil
}
