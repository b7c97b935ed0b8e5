package provision

import (
	"context"
	"time"
)

// EventStore is the durable table of inbound external events. The intake is
// its only writer. Implementations must make InsertProcessing and TryClaim
// atomic at the storage layer: a single conditional statement, not a
// read-then-write pair.
type EventStore interface {
	// InsertProcessing inserts a new event row already claimed (status
	// processing, attempt count 1). Returns ErrDuplicateEvent when a row
	// with the same id exists.
	InsertProcessing(ctx context.Context, ev *InboundEvent) error

	// GetEvent returns the stored event or ErrEventNotFound.
	GetEvent(ctx context.Context, eventID string) (*InboundEvent, error)

	// TouchEvent increments the attempt count and refreshes last_seen_at on
	// a redelivery. Never changes status.
	TouchEvent(ctx context.Context, eventID string) error

	// TryClaimEvent atomically moves the event to processing when its
	// current status is one of from. Returns true when this caller won the
	// claim.
	TryClaimEvent(ctx context.Context, eventID string, from []EventStatus) (bool, error)

	// MarkEventProcessed records the success terminal state. Idempotent.
	MarkEventProcessed(ctx context.Context, eventID string) error

	// MarkEventFailed records the failure terminal state with a message.
	// Idempotent; a failed event is re-claimable.
	MarkEventFailed(ctx context.Context, eventID, message string) error
}

// JobStore is the durable table of provisioning jobs. The orchestrator is
// its only writer.
type JobStore interface {
	// CreateJob inserts a new job. Returns ErrDuplicateJob when a job with
	// the same non-empty stripe event id already exists.
	CreateJob(ctx context.Context, job *ProvisioningJob) error

	// GetJob returns the job by internal id or ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*ProvisioningJob, error)

	// FindJobByEventID returns the job correlated to the given provider
	// event id, or ErrJobNotFound.
	FindJobByEventID(ctx context.Context, eventID string) (*ProvisioningJob, error)

	// FindJobBySessionID returns the job for the given checkout session id,
	// or ErrJobNotFound.
	FindJobBySessionID(ctx context.Context, sessionID string) (*ProvisioningJob, error)

	// FindJobByIntentID returns the job for the given signup intent id, or
	// ErrJobNotFound.
	FindJobByIntentID(ctx context.Context, intentID string) (*ProvisioningJob, error)

	// UpdateJob persists the full job row. Used for every checkpoint write
	// so a resumed attempt sees all ids resolved so far.
	UpdateJob(ctx context.Context, job *ProvisioningJob) error

	// ListJobsByStatus returns up to limit jobs in the given status, oldest
	// first. Feeds the operator reprocessing tooling.
	ListJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*ProvisioningJob, error)
}

// Directory is the account/tenant collaborator surface the orchestrator and
// reconciler converge through. All writes are idempotent upserts keyed by a
// natural identifier.
type Directory interface {
	// GetProfile returns the profile for a user or ErrProfileNotFound.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// FindProfileByCustomer returns the profile holding the given billing
	// customer id, or ErrProfileNotFound.
	FindProfileByCustomer(ctx context.Context, customerID string) (*Profile, error)

	// UpsertProfile writes the profile keyed by user id. An empty ClinicID
	// never clears a previously resolved one.
	UpsertProfile(ctx context.Context, p *Profile) error

	// GetClinic returns the clinic by id or ErrClinicNotFound.
	GetClinic(ctx context.Context, clinicID string) (*Clinic, error)

	// FindClinicByOwner returns the clinic owned by the user, or
	// ErrClinicNotFound.
	FindClinicByOwner(ctx context.Context, ownerUserID string) (*Clinic, error)

	// UpsertClinicByOwner inserts the clinic keyed by owner and returns the
	// canonical row. Concurrent creation attempts for the same owner
	// converge on a single clinic.
	UpsertClinicByOwner(ctx context.Context, c *Clinic) (*Clinic, error)

	// UpdateClinicBilling propagates subscription status and period end onto
	// the clinic record.
	UpdateClinicBilling(ctx context.Context, clinicID, status string, periodEnd time.Time) error

	// UpsertMembership writes the membership keyed by (clinic_id, user_id).
	UpsertMembership(ctx context.Context, m *Membership) error

	// GetIntent returns the signup intent or ErrIntentNotFound.
	GetIntent(ctx context.Context, intentID string) (*SignupIntent, error)

	// UpsertIntent writes the signup intent keyed by id.
	UpsertIntent(ctx context.Context, intent *SignupIntent) error

	// ConvertIntent marks the intent converted and binds it to the resolved
	// clinic. Idempotent.
	ConvertIntent(ctx context.Context, intentID, clinicID string) error
}

// SubscriptionStore holds the locally reconciled billing state.
type SubscriptionStore interface {
	// GetSubscription returns the record by provider subscription id, or
	// ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error)

	// FindSubscriptionByCustomer returns the record for the given billing
	// customer id, or ErrSubscriptionNotFound.
	FindSubscriptionByCustomer(ctx context.Context, customerID string) (*SubscriptionRecord, error)

	// UpsertSubscription writes the record keyed by subscription id.
	UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error

	// RecordPayment writes a payment-history row keyed by invoice id.
	// A redelivered invoice event does not double-record revenue.
	RecordPayment(ctx context.Context, p *PaymentRecord) error

	// ListPayments returns up to limit payment rows for a clinic, newest
	// first.
	ListPayments(ctx context.Context, clinicID string, limit int) ([]*PaymentRecord, error)
}
