package provision

import (
	"context"
	"errors"
	"fmt"
)

// StatusQueryConfig holds status surface configuration.
type StatusQueryConfig struct {
	// Jobs is the job store (required).
	Jobs JobStore

	// Subscriptions is the local billing state store (required).
	Subscriptions SubscriptionStore
}

// StatusQuery is the polling surface a client-facing status page uses while
// a tenant is being activated.
type StatusQuery struct {
	jobs JobStore
	subs SubscriptionStore
}

// NewStatusQuery creates a new status surface.
func NewStatusQuery(cfg StatusQueryConfig) (*StatusQuery, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("status: Jobs store is required")
	}
	if cfg.Subscriptions == nil {
		return nil, fmt.Errorf("status: Subscriptions store is required")
	}
	return &StatusQuery{jobs: cfg.Jobs, subs: cfg.Subscriptions}, nil
}

// BySession reports provisioning progress for a checkout session id.
func (s *StatusQuery) BySession(ctx context.Context, sessionID string) (*StatusReport, error) {
	job, err := s.jobs.FindJobBySessionID(ctx, sessionID)
	return s.report(ctx, job, err)
}

// ByIntent reports provisioning progress for a signup intent id.
func (s *StatusQuery) ByIntent(ctx context.Context, intentID string) (*StatusReport, error) {
	job, err := s.jobs.FindJobByIntentID(ctx, intentID)
	return s.report(ctx, job, err)
}

// report builds the status contract: ready iff the job reached done or the
// resolved subscription's status grants access.
func (s *StatusQuery) report(ctx context.Context, job *ProvisioningJob, err error) (*StatusReport, error) {
	if errors.Is(err, ErrJobNotFound) {
		return &StatusReport{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up job: %w", err)
	}

	out := &StatusReport{
		Job:      job,
		ClinicID: job.ClinicID,
		Ready:    job.Status == JobDone,
	}

	if job.SubscriptionID != "" {
		rec, err := s.subs.GetSubscription(ctx, job.SubscriptionID)
		if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("failed to load subscription record: %w", err)
		}
		if rec != nil {
			out.Subscription = &SubscriptionStatus{
				Status:           rec.Status,
				CurrentPeriodEnd: rec.CurrentPeriodEnd,
			}
			if AccessGranting(rec.Status) {
				out.Ready = true
			}
		}
	}

	return out, nil
}

// PaymentHistory returns the recorded payments for a clinic, newest first.
func (s *StatusQuery) PaymentHistory(ctx context.Context, clinicID string, limit int) ([]*PaymentRecord, error) {
	if clinicID == "" {
		return nil, fmt.Errorf("status: clinic id is required")
	}
	if limit <= 0 {
		limit = 50
	}
	return s.subs.ListPayments(ctx, clinicID, limit)
}
