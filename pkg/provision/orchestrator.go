package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/provision/pkg/billing"
)

const (
	// defaultFallbackPeriod is the computed access period used when no
	// subscription object exists yet at provisioning time.
	defaultFallbackPeriod = 30 * 24 * time.Hour

	// fallbackSubscriptionStatus is assumed while the subscription object
	// has not materialized; the next lifecycle event reconciles it.
	fallbackSubscriptionStatus = "active"
)

// OrchestratorConfig holds Provisioning Orchestrator configuration.
type OrchestratorConfig struct {
	// Jobs is the job store (required).
	Jobs JobStore

	// Directory is the account/tenant collaborator surface (required).
	Directory Directory

	// Subscriptions is the local billing state store (required).
	Subscriptions SubscriptionStore

	// Billing is the external billing gateway. Optional: when nil the
	// subscription step always uses the computed fallback period.
	Billing billing.Gateway

	// FallbackPeriod overrides the computed access period used when no
	// subscription object exists yet (default: 30 days).
	FallbackPeriod time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking transitions (default: NoopMetrics).
	Metrics Metrics
}

// Orchestrator executes the ordered steps that bring a tenant to active
// state, persisting a checkpoint after every step. Each step is an
// idempotent upsert keyed by a natural identifier, so a crash, a concurrent
// duplicate or a manual reprocess converges on the same rows instead of
// corrupting state.
type Orchestrator struct {
	jobs           JobStore
	dir            Directory
	subs           SubscriptionStore
	billing        billing.Gateway
	fallbackPeriod time.Duration
	logger         Logger
	metrics        Metrics
	now            func() time.Time
	newID          func() string
}

// NewOrchestrator creates a new Provisioning Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("orchestrator: Jobs store is required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("orchestrator: Directory is required")
	}
	if cfg.Subscriptions == nil {
		return nil, fmt.Errorf("orchestrator: Subscriptions store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	fallback := cfg.FallbackPeriod
	if fallback <= 0 {
		fallback = defaultFallbackPeriod
	}
	return &Orchestrator{
		jobs:           cfg.Jobs,
		dir:            cfg.Directory,
		subs:           cfg.Subscriptions,
		billing:        cfg.Billing,
		fallbackPeriod: fallback,
		logger:         logger,
		metrics:        metrics,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}, nil
}

// Provision brings the tenant described by the checkout session to active
// state. Repeated invocations with the same event or session converge on a
// single job row; a job that already reached done is returned unmodified.
// On any step failure the error is recorded on the job, the job moves to
// failed and the error is returned to the caller.
func (o *Orchestrator) Provision(ctx context.Context, session *CheckoutSession, eventID string) (*ProvisioningJob, error) {
	start := o.now()
	if session == nil || session.ID == "" {
		return nil, fmt.Errorf("%w: checkout session is required", ErrInvalidPayload)
	}

	job, err := o.resolveJob(ctx, session, eventID)
	if err != nil {
		return nil, err
	}

	if job.Status == JobDone {
		// Redelivery against a completed job is a no-op.
		o.metrics.RecordProvisionDuration("short_circuit", o.now().Sub(start))
		return job, nil
	}

	if job.Status == JobFailed {
		// A fresh attempt re-enters the machine from the top; completed
		// steps are skipped by their own idempotent upserts.
		if err := o.advance(ctx, job, JobReceived); err != nil {
			return job, err
		}
	}

	if err := o.runSteps(ctx, job, session); err != nil {
		o.failJob(ctx, job, err)
		o.metrics.RecordProvisionDuration("failed", o.now().Sub(start))
		return job, err
	}

	o.metrics.RecordProvisionDuration("done", o.now().Sub(start))
	return job, nil
}

// resolveJob finds or creates the job row, preferring the event-id
// correlation over the session-id one. A create that loses a unique-key race
// re-reads the winner's row.
func (o *Orchestrator) resolveJob(ctx context.Context, session *CheckoutSession, eventID string) (*ProvisioningJob, error) {
	if eventID != "" {
		job, err := o.jobs.FindJobByEventID(ctx, eventID)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, fmt.Errorf("failed to look up job by event: %w", err)
		}
	}

	job, err := o.jobs.FindJobBySessionID(ctx, session.ID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return nil, fmt.Errorf("failed to look up job by session: %w", err)
	}

	now := o.now()
	job = &ProvisioningJob{
		ID:                o.newID(),
		StripeEventID:     eventID,
		CheckoutSessionID: session.ID,
		CustomerID:        session.CustomerID,
		SubscriptionID:    session.SubscriptionID,
		IntentID:          session.Meta(MetaIntentID),
		Status:            JobReceived,
		Payload: JobPayload{
			Kind:            PayloadCheckoutSession,
			CheckoutSession: session,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := o.jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateJob) && eventID != "" {
			// Lost the insert race; reuse the winner's row.
			return o.jobs.FindJobByEventID(ctx, eventID)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	o.logger.Info("created provisioning job",
		Field{Key: "job_id", Value: job.ID},
		Field{Key: "event_id", Value: eventID},
		Field{Key: "session_id", Value: session.ID},
	)
	return job, nil
}

func (o *Orchestrator) runSteps(ctx context.Context, job *ProvisioningJob, session *CheckoutSession) error {
	// received: persist correlating ids extracted from the payload so a
	// resumed attempt has full context without re-deriving it.
	o.mergeCorrelation(job, session)
	if err := o.advance(ctx, job, JobReceived); err != nil {
		return err
	}

	if err := o.stepResolveUser(ctx, job, session); err != nil {
		return err
	}
	if err := o.stepUpsertProfile(ctx, job, session); err != nil {
		return err
	}
	if err := o.stepResolveClinic(ctx, job, session); err != nil {
		return err
	}
	if err := o.stepUpsertMembership(ctx, job); err != nil {
		return err
	}
	if err := o.stepReconcileSubscription(ctx, job, session); err != nil {
		return err
	}
	if err := o.stepConvertIntent(ctx, job); err != nil {
		return err
	}

	return o.advance(ctx, job, JobDone)
}

func (o *Orchestrator) mergeCorrelation(job *ProvisioningJob, session *CheckoutSession) {
	if job.CheckoutSessionID == "" {
		job.CheckoutSessionID = session.ID
	}
	if job.CustomerID == "" {
		job.CustomerID = session.CustomerID
	}
	if job.SubscriptionID == "" {
		job.SubscriptionID = session.SubscriptionID
	}
	if job.IntentID == "" {
		job.IntentID = session.Meta(MetaIntentID)
	}
}

// stepResolveUser resolves the acting user from payload metadata or the
// referenced signup intent. Fatal when no user can be identified.
func (o *Orchestrator) stepResolveUser(ctx context.Context, job *ProvisioningJob, session *CheckoutSession) error {
	if job.UserID == "" {
		job.UserID = session.Meta(MetaUserID)
	}
	if job.UserID == "" && job.IntentID != "" {
		intent, err := o.dir.GetIntent(ctx, job.IntentID)
		if err != nil && !errors.Is(err, ErrIntentNotFound) {
			return fmt.Errorf("failed to load signup intent: %w", err)
		}
		if intent != nil {
			job.UserID = intent.UserID
		}
	}
	if job.UserID == "" {
		return fmt.Errorf("%w: session %s", ErrNoActingUser, session.ID)
	}
	return o.advance(ctx, job, JobUserOK)
}

// stepUpsertProfile writes role, display name and billing customer id keyed
// by user id. Safe to repeat.
func (o *Orchestrator) stepUpsertProfile(ctx context.Context, job *ProvisioningJob, session *CheckoutSession) error {
	displayName := session.Meta("display_name")
	if displayName == "" {
		displayName = session.CustomerEmail
	}
	err := o.dir.UpsertProfile(ctx, &Profile{
		UserID:            job.UserID,
		Role:              RoleAdmin,
		DisplayName:       displayName,
		BillingCustomerID: job.CustomerID,
		UpdatedAt:         o.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return o.advance(ctx, job, JobProfileOK)
}

// stepResolveClinic resolves or creates the clinic. The lookup order is
// load-bearing: explicit metadata clinic id, then the profile's clinic, then
// the signup intent's recorded clinic, then the clinic owned by this user,
// else create keyed by owner. Later sources assume the earlier ones were
// absent, so the order must not change.
func (o *Orchestrator) stepResolveClinic(ctx context.Context, job *ProvisioningJob, session *CheckoutSession) error {
	if job.ClinicID == "" {
		clinicID, err := o.lookupClinicID(ctx, job, session)
		if err != nil {
			return err
		}
		job.ClinicID = clinicID
	}

	if job.ClinicID == "" {
		clinic, err := o.dir.UpsertClinicByOwner(ctx, &Clinic{
			ID:          o.newID(),
			OwnerUserID: job.UserID,
			Name:        o.clinicName(ctx, job, session),
			UpdatedAt:   o.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to create clinic: %w", err)
		}
		job.ClinicID = clinic.ID
	}

	// Bind the profile to the resolved clinic before checkpointing.
	err := o.dir.UpsertProfile(ctx, &Profile{
		UserID:            job.UserID,
		ClinicID:          job.ClinicID,
		Role:              RoleAdmin,
		BillingCustomerID: job.CustomerID,
		UpdatedAt:         o.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to bind profile to clinic: %w", err)
	}

	return o.advance(ctx, job, JobClinicOK)
}

func (o *Orchestrator) lookupClinicID(ctx context.Context, job *ProvisioningJob, session *CheckoutSession) (string, error) {
	if id := session.Meta(MetaClinicID); id != "" {
		return id, nil
	}

	profile, err := o.dir.GetProfile(ctx, job.UserID)
	if err != nil && !errors.Is(err, ErrProfileNotFound) {
		return "", fmt.Errorf("failed to load profile: %w", err)
	}
	if profile != nil && profile.ClinicID != "" {
		return profile.ClinicID, nil
	}

	if job.IntentID != "" {
		intent, err := o.dir.GetIntent(ctx, job.IntentID)
		if err != nil && !errors.Is(err, ErrIntentNotFound) {
			return "", fmt.Errorf("failed to load signup intent: %w", err)
		}
		if intent != nil && intent.ClinicID != "" {
			return intent.ClinicID, nil
		}
	}

	clinic, err := o.dir.FindClinicByOwner(ctx, job.UserID)
	if err != nil && !errors.Is(err, ErrClinicNotFound) {
		return "", fmt.Errorf("failed to look up clinic by owner: %w", err)
	}
	if clinic != nil {
		return clinic.ID, nil
	}

	return "", nil
}

func (o *Orchestrator) clinicName(ctx context.Context, job *ProvisioningJob, session *CheckoutSession) string {
	if name := session.Meta("clinic_name"); name != "" {
		return name
	}
	if job.IntentID != "" {
		if intent, err := o.dir.GetIntent(ctx, job.IntentID); err == nil && intent.ClinicName != "" {
			return intent.ClinicName
		}
	}
	return ""
}

// stepUpsertMembership establishes the user's access to the tenant, keyed by
// (clinic_id, user_id). Safe to repeat.
func (o *Orchestrator) stepUpsertMembership(ctx context.Context, job *ProvisioningJob) error {
	err := o.dir.UpsertMembership(ctx, &Membership{
		ClinicID:  job.ClinicID,
		UserID:    job.UserID,
		Role:      RoleAdmin,
		UpdatedAt: o.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return o.advance(ctx, job, JobMembershipOK)
}

// stepReconcileSubscription fetches the authoritative subscription object
// when one is known, falling back to a computed default period otherwise,
// and propagates status and period onto the subscription and clinic records.
func (o *Orchestrator) stepReconcileSubscription(ctx context.Context, job *ProvisioningJob, session *CheckoutSession) error {
	status := fallbackSubscriptionStatus
	plan := session.Meta(MetaPlan)
	periodEnd := o.now().Add(o.fallbackPeriod)

	if job.SubscriptionID != "" && o.billing != nil {
		sub, err := o.billing.RetrieveSubscription(ctx, job.SubscriptionID)
		if err != nil {
			return fmt.Errorf("failed to fetch subscription %s: %w", job.SubscriptionID, err)
		}
		status = sub.Status
		if sub.Plan != "" {
			plan = sub.Plan
		}
		if !sub.CurrentPeriodEnd.IsZero() {
			periodEnd = sub.CurrentPeriodEnd
		}
		if job.CustomerID == "" {
			job.CustomerID = sub.CustomerID
		}
	}

	if job.SubscriptionID != "" {
		err := o.subs.UpsertSubscription(ctx, &SubscriptionRecord{
			ID:               job.SubscriptionID,
			ClinicID:         job.ClinicID,
			CustomerID:       job.CustomerID,
			Plan:             plan,
			Status:           status,
			CurrentPeriodEnd: periodEnd,
			UpdatedAt:        o.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to upsert subscription record: %w", err)
		}
	}

	if err := o.dir.UpdateClinicBilling(ctx, job.ClinicID, status, periodEnd); err != nil {
		return fmt.Errorf("failed to update clinic billing: %w", err)
	}

	return o.advance(ctx, job, JobSubscriptionOK)
}

// stepConvertIntent marks an involved signup intent converted and binds it
// to the resolved clinic. Idempotent; a missing intent is not fatal.
func (o *Orchestrator) stepConvertIntent(ctx context.Context, job *ProvisioningJob) error {
	if job.IntentID == "" {
		return nil
	}
	err := o.dir.ConvertIntent(ctx, job.IntentID, job.ClinicID)
	if err != nil && !errors.Is(err, ErrIntentNotFound) {
		return fmt.Errorf("failed to convert signup intent: %w", err)
	}
	return nil
}

// advance checkpoints the job at the given status. The write carries every
// id resolved so far. Status only moves forward; replaying an earlier step
// keeps the later checkpoint.
func (o *Orchestrator) advance(ctx context.Context, job *ProvisioningJob, to JobStatus) error {
	from := job.Status
	if to == JobReceived && from == JobFailed {
		// Re-entry from the failed branch.
		job.Status = JobReceived
		job.ErrorMessage = ""
	} else if to.Rank() > from.Rank() {
		job.Status = to
	}
	job.UpdatedAt = o.now()
	if err := o.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to checkpoint job at %s: %w", to, err)
	}
	if from != job.Status {
		o.metrics.RecordJobTransition(string(from), string(job.Status))
	}
	return nil
}

// failJob records the error on the job row. The original error is returned
// to the caller regardless of whether the bookkeeping write succeeds.
func (o *Orchestrator) failJob(ctx context.Context, job *ProvisioningJob, cause error) {
	from := job.Status
	job.Status = JobFailed
	job.ErrorMessage = cause.Error()
	job.UpdatedAt = o.now()
	if err := o.jobs.UpdateJob(ctx, job); err != nil {
		o.logger.Error("failed to record job failure",
			Field{Key: "job_id", Value: job.ID},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}
	o.metrics.RecordJobTransition(string(from), string(JobFailed))
	o.logger.Warn("provisioning job failed",
		Field{Key: "job_id", Value: job.ID},
		Field{Key: "failed_at", Value: string(from)},
		Field{Key: "error", Value: cause.Error()},
	)
}
