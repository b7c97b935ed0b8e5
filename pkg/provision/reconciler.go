package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinicdesk/provision/pkg/billing"
)

// ReconcilerConfig holds Subscription Reconciler configuration.
type ReconcilerConfig struct {
	// Directory is the account/tenant collaborator surface (required).
	Directory Directory

	// Subscriptions is the local billing state store (required).
	Subscriptions SubscriptionStore

	// Billing is the external billing gateway. Optional: when nil the
	// reconciler trusts the provided objects instead of re-reading.
	Billing billing.Gateway

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking reconciliation passes (default:
	// NoopMetrics).
	Metrics Metrics
}

// Reconciler keeps the tenant's billing status and period in sync with
// lifecycle events that arrive after initial provisioning. No ordering is
// guaranteed between event types for the same tenant, so every pass
// re-reads current external state rather than trusting payload staleness.
type Reconciler struct {
	dir     Directory
	subs    SubscriptionStore
	billing billing.Gateway
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewReconciler creates a new Subscription Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("reconciler: Directory is required")
	}
	if cfg.Subscriptions == nil {
		return nil, fmt.Errorf("reconciler: Subscriptions store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Reconciler{
		dir:     cfg.Directory,
		subs:    cfg.Subscriptions,
		billing: cfg.Billing,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// ReconcileSubscription applies the subscription's current state to the
// local subscription and clinic records. The provided object is refreshed
// from the gateway when possible; events may arrive out of order, so the
// authoritative state always wins over the payload. An unmappable customer
// is logged and skipped rather than failing the event, which would block
// unrelated processing with no recovery path.
func (r *Reconciler) ReconcileSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("reconciler: subscription is required")
	}

	if r.billing != nil {
		fresh, err := r.billing.RetrieveSubscription(ctx, sub.ID)
		if err == nil {
			sub = fresh
		} else {
			r.logger.Warn("could not re-read subscription, using event payload",
				Field{Key: "subscription_id", Value: sub.ID},
				Field{Key: "error", Value: err.Error()},
			)
		}
	}

	clinicID, err := r.resolveClinic(ctx, sub)
	if err != nil {
		r.metrics.RecordReconcile("subscription", "error")
		return err
	}
	if clinicID == "" {
		r.logger.Warn("skipping subscription for unmappable customer",
			Field{Key: "subscription_id", Value: sub.ID},
			Field{Key: "customer_id", Value: sub.CustomerID},
		)
		r.metrics.RecordReconcile("subscription", "skipped")
		return nil
	}

	if err := r.applyState(ctx, clinicID, sub); err != nil {
		r.metrics.RecordReconcile("subscription", "error")
		return err
	}
	r.metrics.RecordReconcile("subscription", "applied")
	return nil
}

// HandleInvoicePaid reconciles the invoice's subscription (if any) and
// records a payment-history row keyed by the invoice id, so a redelivered
// event cannot double-record revenue.
func (r *Reconciler) HandleInvoicePaid(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("reconciler: invoice is required")
	}

	clinicID := ""
	if inv.SubscriptionID != "" && r.billing != nil {
		sub, err := r.billing.RetrieveSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			r.metrics.RecordReconcile("invoice_paid", "error")
			return fmt.Errorf("failed to fetch subscription for invoice %s: %w", inv.ID, err)
		}
		resolved, err := r.resolveClinic(ctx, sub)
		if err != nil {
			r.metrics.RecordReconcile("invoice_paid", "error")
			return err
		}
		clinicID = resolved
		if clinicID != "" {
			if err := r.applyState(ctx, clinicID, sub); err != nil {
				r.metrics.RecordReconcile("invoice_paid", "error")
				return err
			}
		}
	}

	if clinicID == "" {
		clinicID = r.clinicForCustomer(ctx, inv.CustomerID)
	}
	if clinicID == "" {
		r.logger.Warn("skipping invoice for unmappable customer",
			Field{Key: "invoice_id", Value: inv.ID},
			Field{Key: "customer_id", Value: inv.CustomerID},
		)
		r.metrics.RecordReconcile("invoice_paid", "skipped")
		return nil
	}

	paidAt := inv.PaidAt
	if paidAt.IsZero() {
		paidAt = r.now()
	}
	err := r.subs.RecordPayment(ctx, &PaymentRecord{
		InvoiceID:      inv.ID,
		ClinicID:       clinicID,
		SubscriptionID: inv.SubscriptionID,
		AmountCents:    inv.AmountPaid,
		Currency:       inv.Currency,
		PaidAt:         paidAt,
	})
	if err != nil {
		r.metrics.RecordReconcile("invoice_paid", "error")
		return fmt.Errorf("failed to record payment: %w", err)
	}
	r.metrics.RecordReconcile("invoice_paid", "applied")
	return nil
}

// HandleInvoicePaymentFailed cancels the related subscription via the
// gateway unless it is already canceled, then reconciles from the resulting
// object. The cancellation is the one explicit side-effecting action in the
// reconciler, gated by an idempotence check against current external status.
func (r *Reconciler) HandleInvoicePaymentFailed(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("reconciler: invoice is required")
	}
	if inv.SubscriptionID == "" || r.billing == nil {
		r.metrics.RecordReconcile("invoice_failed", "skipped")
		return nil
	}

	sub, err := r.billing.RetrieveSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		r.metrics.RecordReconcile("invoice_failed", "error")
		return fmt.Errorf("failed to fetch subscription %s: %w", inv.SubscriptionID, err)
	}

	if sub.Status != billing.StatusCanceled {
		sub, err = r.billing.CancelSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			r.metrics.RecordReconcile("invoice_failed", "error")
			return fmt.Errorf("failed to cancel subscription %s: %w", inv.SubscriptionID, err)
		}
		r.logger.Info("canceled subscription after payment failure",
			Field{Key: "subscription_id", Value: sub.ID},
			Field{Key: "invoice_id", Value: inv.ID},
		)
	}

	clinicID, err := r.resolveClinic(ctx, sub)
	if err != nil {
		r.metrics.RecordReconcile("invoice_failed", "error")
		return err
	}
	if clinicID == "" {
		r.logger.Warn("skipping canceled subscription for unmappable customer",
			Field{Key: "subscription_id", Value: sub.ID},
			Field{Key: "customer_id", Value: sub.CustomerID},
		)
		r.metrics.RecordReconcile("invoice_failed", "skipped")
		return nil
	}

	if err := r.applyState(ctx, clinicID, sub); err != nil {
		r.metrics.RecordReconcile("invoice_failed", "error")
		return err
	}
	r.metrics.RecordReconcile("invoice_failed", "applied")
	return nil
}

// resolveClinic maps a subscription to its owning clinic: the existing
// subscription record first, then the profile holding the billing customer.
// Returns "" when the customer is unknown to this deployment.
func (r *Reconciler) resolveClinic(ctx context.Context, sub *billing.Subscription) (string, error) {
	rec, err := r.subs.GetSubscription(ctx, sub.ID)
	if err == nil && rec.ClinicID != "" {
		return rec.ClinicID, nil
	}
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return "", fmt.Errorf("failed to load subscription record: %w", err)
	}
	return r.clinicForCustomer(ctx, sub.CustomerID), nil
}

func (r *Reconciler) clinicForCustomer(ctx context.Context, customerID string) string {
	if customerID == "" {
		return ""
	}
	if rec, err := r.subs.FindSubscriptionByCustomer(ctx, customerID); err == nil && rec.ClinicID != "" {
		return rec.ClinicID
	}
	if profile, err := r.dir.FindProfileByCustomer(ctx, customerID); err == nil && profile.ClinicID != "" {
		return profile.ClinicID
	}
	return ""
}

func (r *Reconciler) applyState(ctx context.Context, clinicID string, sub *billing.Subscription) error {
	err := r.subs.UpsertSubscription(ctx, &SubscriptionRecord{
		ID:               sub.ID,
		ClinicID:         clinicID,
		CustomerID:       sub.CustomerID,
		Plan:             sub.Plan,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		UpdatedAt:        r.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert subscription record: %w", err)
	}
	if err := r.dir.UpdateClinicBilling(ctx, clinicID, sub.Status, sub.CurrentPeriodEnd); err != nil {
		return fmt.Errorf("failed to update clinic billing: %w", err)
	}
	return nil
}
