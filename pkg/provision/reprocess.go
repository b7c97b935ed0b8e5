package provision

import (
	"context"
	"fmt"
)

// ReprocessorConfig holds Reprocessing Gateway configuration.
type ReprocessorConfig struct {
	// Jobs is the job store (required).
	Jobs JobStore

	// Orchestrator re-runs the stored payload (required).
	Orchestrator *Orchestrator

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking invocations (default: NoopMetrics).
	Metrics Metrics
}

// Reprocessor re-runs a previously recorded job from its stored payload.
// This is how an operator unsticks a failed job after fixing an external
// data issue, without waiting for the provider to redeliver the webhook.
// The gateway never writes job fields directly; all mutation goes through
// the orchestrator.
type Reprocessor struct {
	jobs    JobStore
	orch    *Orchestrator
	logger  Logger
	metrics Metrics
}

// NewReprocessor creates a new Reprocessing Gateway.
func NewReprocessor(cfg ReprocessorConfig) (*Reprocessor, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("reprocessor: Jobs store is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("reprocessor: Orchestrator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Reprocessor{
		jobs:    cfg.Jobs,
		orch:    cfg.Orchestrator,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Reprocess re-invokes the orchestrator against the job's stored payload,
// reusing the existing job row. Authorization is checked before any state is
// touched: internal callers are unrestricted; admin callers must hold the
// admin role and match the job's resolved clinic. A job with no resolved
// clinic can only be reprocessed internally, since there is nothing to scope
// the check against.
func (r *Reprocessor) Reprocess(ctx context.Context, jobID string, caller Caller) (*ProvisioningJob, error) {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := authorize(job, caller); err != nil {
		r.metrics.RecordReprocess(string(caller.Mode), "rejected")
		return nil, err
	}

	if err := job.Payload.Validate(); err != nil {
		r.metrics.RecordReprocess(string(caller.Mode), "failed")
		return nil, fmt.Errorf("job %s cannot be reprocessed: %w", jobID, err)
	}

	r.logger.Info("reprocessing job",
		Field{Key: "job_id", Value: jobID},
		Field{Key: "caller_mode", Value: string(caller.Mode)},
		Field{Key: "job_status", Value: string(job.Status)},
	)

	result, err := r.orch.Provision(ctx, job.Payload.CheckoutSession, job.StripeEventID)
	if err != nil {
		r.metrics.RecordReprocess(string(caller.Mode), "failed")
		return result, err
	}
	r.metrics.RecordReprocess(string(caller.Mode), "done")
	return result, nil
}

func authorize(job *ProvisioningJob, caller Caller) error {
	switch caller.Mode {
	case CallerInternal:
		return nil
	case CallerAdmin:
		if caller.ActorRole != RoleAdmin {
			return fmt.Errorf("%w: role %q", ErrNotAuthorized, caller.ActorRole)
		}
		if job.ClinicID == "" {
			return fmt.Errorf("%w: job has no resolved clinic", ErrNotAuthorized)
		}
		if job.ClinicID != caller.ActorClinicID {
			return fmt.Errorf("%w: clinic scope mismatch", ErrNotAuthorized)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown caller mode %q", ErrNotAuthorized, caller.Mode)
	}
}
