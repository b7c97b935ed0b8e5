// Package provision implements the payment-triggered tenant provisioning
// pipeline: an idempotent webhook intake layer, a resumable multi-step
// provisioning state machine, a subscription reconciler and a reprocessing
// gateway. All durable state lives behind the storage interfaces in
// storage.go so backends can be swapped without logic changes.
package provision

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventStatus is the processing status of an inbound webhook event.
type EventStatus string

const (
	// EventReceived marks an event that has been recorded but not claimed.
	EventReceived EventStatus = "received"
	// EventProcessing marks an event claimed by exactly one processor.
	EventProcessing EventStatus = "processing"
	// EventProcessed marks a successfully handled event. Terminal.
	EventProcessed EventStatus = "processed"
	// EventFailed marks a recorded failure. Re-claimable on redelivery.
	EventFailed EventStatus = "failed"
)

// InboundEvent is one delivery of an external provider event. The
// provider-assigned ID is the natural key and the dedup mechanism: at most
// one row exists per ID regardless of how many times the provider delivers.
type InboundEvent struct {
	ID                  string
	Type                string
	Payload             json.RawMessage
	Status              EventStatus
	AttemptCount        int
	ErrorMessage        string
	ReceivedAt          time.Time
	ProcessingStartedAt *time.Time
	ProcessedAt         *time.Time
	LastSeenAt          time.Time
	UpdatedAt           time.Time
}

// ExternalEvent is the parsed form of a provider delivery as consumed by the
// intake. Signature verification happens before this point.
type ExternalEvent struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// ReserveVerdict is the intake's answer to "should I process this delivery".
type ReserveVerdict struct {
	// ShouldProcess is true when this caller won the claim and must run the
	// pipeline for the event.
	ShouldProcess bool

	// Duplicate is true when a row for the event already existed, whether or
	// not the claim was won (a retry of a failed event is both a duplicate
	// and processable).
	Duplicate bool
}

// JobStatus is the checkpoint position of a provisioning job. Statuses are
// strictly ordered; a job only moves forward except for the failed branch,
// which is re-enterable by reprocessing.
type JobStatus string

const (
	JobReceived       JobStatus = "received"
	JobUserOK         JobStatus = "user_ok"
	JobProfileOK      JobStatus = "profile_ok"
	JobClinicOK       JobStatus = "clinic_ok"
	JobMembershipOK   JobStatus = "membership_ok"
	JobSubscriptionOK JobStatus = "subscription_ok"
	JobDone           JobStatus = "done"
	JobFailed         JobStatus = "failed"
)

var jobStatusRank = map[JobStatus]int{
	JobReceived:       0,
	JobUserOK:         1,
	JobProfileOK:      2,
	JobClinicOK:       3,
	JobMembershipOK:   4,
	JobSubscriptionOK: 5,
	JobDone:           6,
}

// Rank returns the position of s in the step order, or -1 for failed and
// unknown statuses.
func (s JobStatus) Rank() int {
	if r, ok := jobStatusRank[s]; ok {
		return r
	}
	return -1
}

// Reached reports whether a job at status s has already completed step other.
func (s JobStatus) Reached(other JobStatus) bool {
	return s.Rank() >= other.Rank() && other.Rank() >= 0
}

// PayloadKind tags the shape of a stored job payload.
type PayloadKind string

const (
	// PayloadCheckoutSession is the only payload kind today: the checkout
	// session that triggered provisioning.
	PayloadCheckoutSession PayloadKind = "checkout_session"
)

// Metadata keys the pipeline understands on a checkout session.
const (
	MetaUserID   = "user_id"
	MetaClinicID = "clinic_id"
	MetaIntentID = "intent_id"
	MetaPlan     = "plan"
)

// CheckoutSession is the provisioning trigger: a completed payment flow with
// the correlating identifiers the orchestrator needs.
type CheckoutSession struct {
	ID             string            `json:"id"`
	CustomerID     string            `json:"customer_id,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	CustomerEmail  string            `json:"customer_email,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Meta returns the metadata value for key, or "" when absent.
func (c *CheckoutSession) Meta(key string) string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	return c.Metadata[key]
}

// JobPayload is the tagged union stored on a job for later reprocessing.
// Keeping the kind explicit lets the reprocessing gateway fail fast on shape
// mismatches instead of at arbitrary depth inside the orchestrator.
type JobPayload struct {
	Kind            PayloadKind      `json:"kind"`
	CheckoutSession *CheckoutSession `json:"checkout_session,omitempty"`
}

// Validate checks that the payload is internally consistent.
func (p *JobPayload) Validate() error {
	switch p.Kind {
	case PayloadCheckoutSession:
		if p.CheckoutSession == nil || p.CheckoutSession.ID == "" {
			return fmt.Errorf("%w: checkout_session payload missing session", ErrInvalidPayload)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown payload kind %q", ErrInvalidPayload, p.Kind)
	}
}

// ProvisioningJob is one attempt to bring a tenant to active state. Jobs are
// never deleted; they double as the audit trail and the reprocessing source.
type ProvisioningJob struct {
	ID                string
	StripeEventID     string // unique when non-empty
	CheckoutSessionID string
	CustomerID        string
	SubscriptionID    string
	IntentID          string
	UserID            string
	ClinicID          string
	Status            JobStatus
	ErrorMessage      string
	Payload           JobPayload
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Tenant-side records. These are the external collaborator entities the
// orchestrator and reconciler converge through idempotent upserts.

// Profile is the per-user account profile.
type Profile struct {
	UserID            string
	ClinicID          string
	Role              string
	DisplayName       string
	BillingCustomerID string
	UpdatedAt         time.Time
}

// Clinic is the tenant record. OwnerUserID is the natural key used for
// conflict-safe creation.
type Clinic struct {
	ID                 string
	OwnerUserID        string
	Name               string
	SubscriptionStatus string
	CurrentPeriodEnd   *time.Time
	UpdatedAt          time.Time
}

// Membership links a user to a clinic. Keyed by (clinic_id, user_id).
type Membership struct {
	ClinicID  string
	UserID    string
	Role      string
	UpdatedAt time.Time
}

// SignupIntent is the pre-checkout draft capturing a prospective tenant's
// details before payment.
type SignupIntent struct {
	ID         string
	UserID     string
	ClinicID   string
	ClinicName string
	Email      string
	Converted  bool
	UpdatedAt  time.Time
}

// SubscriptionRecord is the locally stored billing state for a tenant,
// keyed by the provider subscription id.
type SubscriptionRecord struct {
	ID               string
	ClinicID         string
	CustomerID       string
	Plan             string
	Status           string
	CurrentPeriodEnd time.Time
	UpdatedAt        time.Time
}

// PaymentRecord is one paid invoice, keyed by the invoice's unique id so a
// redelivered "invoice paid" event cannot double-record revenue.
type PaymentRecord struct {
	InvoiceID      string
	ClinicID       string
	SubscriptionID string
	AmountCents    int64
	Currency       string
	PaidAt         time.Time
}

// RoleAdmin is the membership role granted to the provisioning user.
const RoleAdmin = "admin"

// CallerMode distinguishes reprocessing callers.
type CallerMode string

const (
	// CallerInternal is the unrestricted operator mode.
	CallerInternal CallerMode = "internal"
	// CallerAdmin is a tenant-scoped administrative caller.
	CallerAdmin CallerMode = "admin"
)

// Caller identifies who is asking for a job to be reprocessed.
type Caller struct {
	Mode          CallerMode
	ActorClinicID string
	ActorRole     string
}

// InternalCaller returns the unrestricted internal caller.
func InternalCaller() Caller {
	return Caller{Mode: CallerInternal}
}

// AdminCaller returns a tenant-scoped caller.
func AdminCaller(clinicID, role string) Caller {
	return Caller{Mode: CallerAdmin, ActorClinicID: clinicID, ActorRole: role}
}

// SubscriptionStatus is the slice of billing state the status surface exposes.
type SubscriptionStatus struct {
	Status           string    `json:"status"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
}

// StatusReport is the polling contract a client-facing status page consumes.
type StatusReport struct {
	Ready        bool                `json:"ready"`
	Job          *ProvisioningJob    `json:"job,omitempty"`
	Subscription *SubscriptionStatus `json:"subscription,omitempty"`
	ClinicID     string              `json:"clinic_id,omitempty"`
}

// activeAccessStatuses are the subscription statuses that grant access even
// before the job reaches done.
var activeAccessStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
}

// AccessGranting reports whether a subscription status is in the
// active-access set.
func AccessGranting(status string) bool {
	return activeAccessStatuses[status]
}
