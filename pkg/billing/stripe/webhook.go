package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/clinicdesk/provision/pkg/billing"
	"github.com/clinicdesk/provision/pkg/provision"
)

// maxWebhookBody bounds the request body read during signature verification.
const maxWebhookBody = 256 * 1024

// WebhookConfig holds webhook handler configuration.
type WebhookConfig struct {
	// WebhookSecret is the Stripe signing secret (required).
	WebhookSecret string

	// Intake reserves events before any side effect runs (required).
	Intake *provision.Intake

	// Orchestrator handles checkout.session.completed (required).
	Orchestrator *provision.Orchestrator

	// Reconciler handles subscription lifecycle and invoice events
	// (required).
	Reconciler *provision.Reconciler

	// Logger is used for structured logging (default: NoopLogger).
	Logger provision.Logger
}

// WebhookHandler verifies, reserves and dispatches Stripe webhook events.
// Returning a non-2xx status is the signal for Stripe to redeliver, so the
// handler reports failure whenever the reserved event did not reach its
// processed state.
type WebhookHandler struct {
	secret string
	intake *provision.Intake
	orch   *provision.Orchestrator
	rec    *provision.Reconciler
	logger provision.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(cfg WebhookConfig) (*WebhookHandler, error) {
	if cfg.WebhookSecret == "" {
		return nil, billing.ErrGatewayNotConfigured
	}
	if cfg.Intake == nil {
		return nil, fmt.Errorf("webhook: Intake is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("webhook: Orchestrator is required")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("webhook: Reconciler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &provision.NoopLogger{}
	}
	return &WebhookHandler{
		secret: cfg.WebhookSecret,
		intake: cfg.Intake,
		orch:   cfg.Orchestrator,
		rec:    cfg.Reconciler,
		logger: logger,
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid payload", http.StatusRequestEntityTooLarge)
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, h.secret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed",
			provision.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.Handle(r.Context(), &event); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Handle reserves the event and, when this delivery wins the claim, runs the
// matching pipeline stage and records the terminal state. Duplicate
// deliveries acknowledge without side effects.
func (h *WebhookHandler) Handle(ctx context.Context, event *stripe.Event) error {
	eventType := string(event.Type)

	verdict, err := h.intake.Reserve(ctx, provision.ExternalEvent{
		ID:      event.ID,
		Type:    eventType,
		Payload: json.RawMessage(event.Data.Raw),
	})
	if err != nil {
		return fmt.Errorf("failed to reserve event %s: %w", event.ID, err)
	}
	if !verdict.ShouldProcess {
		h.logger.Debug("acknowledging duplicate delivery",
			provision.Field{Key: "event_id", Value: event.ID},
			provision.Field{Key: "event_type", Value: eventType},
		)
		return nil
	}

	if err := h.dispatch(ctx, event); err != nil {
		h.logger.Error("event processing failed",
			provision.Field{Key: "event_id", Value: event.ID},
			provision.Field{Key: "event_type", Value: eventType},
			provision.Field{Key: "error", Value: err.Error()},
		)
		if markErr := h.intake.MarkFailed(ctx, event.ID, eventType, err.Error()); markErr != nil {
			h.logger.Error("could not record event failure",
				provision.Field{Key: "event_id", Value: event.ID},
				provision.Field{Key: "error", Value: markErr.Error()},
			)
		}
		return err
	}

	return h.intake.MarkProcessed(ctx, event.ID, eventType)
}

func (h *WebhookHandler) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return h.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated", "customer.subscription.deleted":
		return h.handleSubscriptionChange(ctx, event)
	case "invoice.payment_succeeded":
		inv, err := invoiceFromEvent(event)
		if err != nil {
			return err
		}
		return h.rec.HandleInvoicePaid(ctx, inv)
	case "invoice.payment_failed":
		inv, err := invoiceFromEvent(event)
		if err != nil {
			return err
		}
		return h.rec.HandleInvoicePaymentFailed(ctx, inv)
	default:
		// Unknown event type: acknowledged, never retried.
		return nil
	}
}

func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	_, err := h.orch.Provision(ctx, checkoutFromStripe(&session), event.ID)
	return err
}

func (h *WebhookHandler) handleSubscriptionChange(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
	}
	return h.rec.ReconcileSubscription(ctx, subscriptionFromStripe(&sub))
}

// checkoutFromStripe maps a Stripe checkout session onto the pipeline type.
func checkoutFromStripe(session *stripe.CheckoutSession) *provision.CheckoutSession {
	out := &provision.CheckoutSession{
		ID:            session.ID,
		CustomerEmail: session.CustomerEmail,
		Metadata:      session.Metadata,
	}
	if session.Customer != nil {
		out.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		out.SubscriptionID = session.Subscription.ID
	}
	if out.CustomerEmail == "" && session.CustomerDetails != nil {
		out.CustomerEmail = session.CustomerDetails.Email
	}
	return out
}

// invoiceFromEvent maps a Stripe invoice event onto the gateway type. The
// subscription reference is read from the raw JSON because the v83 Invoice
// struct does not expose it directly.
func invoiceFromEvent(event *stripe.Event) (*billing.Invoice, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	out := &billing.Invoice{
		ID:         invoice.ID,
		AmountPaid: invoice.AmountPaid,
		Currency:   string(invoice.Currency),
		PaidAt:     time.Unix(event.Created, 0).UTC(),
	}
	if invoice.Customer != nil {
		out.CustomerID = invoice.Customer.ID
	}

	var rawData map[string]interface{}
	if err := json.Unmarshal(event.Data.Raw, &rawData); err == nil {
		switch v := rawData["subscription"].(type) {
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok {
				out.SubscriptionID = id
			}
		case string:
			out.SubscriptionID = v
		}
	}
	return out, nil
}
