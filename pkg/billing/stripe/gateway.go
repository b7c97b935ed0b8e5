// Package stripe implements the billing gateway and webhook intake against
// the Stripe API.
package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/clinicdesk/provision/pkg/billing"
	"github.com/clinicdesk/provision/pkg/provision"
)

// GatewayConfig holds Stripe gateway configuration.
type GatewayConfig struct {
	// APIKey is the Stripe secret key (required).
	APIKey string

	// Logger is used for structured logging (default: NoopLogger).
	Logger provision.Logger
}

// Gateway implements billing.Gateway using the Stripe client API.
type Gateway struct {
	client *stripe.Client
	logger provision.Logger
}

// NewGateway creates a Stripe-backed billing gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, billing.ErrGatewayNotConfigured
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &provision.NoopLogger{}
	}
	return &Gateway{
		// Client-based API, v82+.
		client: stripe.NewClient(apiKey),
		logger: logger,
	}, nil
}

// RetrieveSubscription implements billing.Gateway.
func (g *Gateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	sub, err := g.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}
	return subscriptionFromStripe(sub), nil
}

// CancelSubscription implements billing.Gateway.
func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	sub, err := g.client.V1Subscriptions.Cancel(ctx, subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription %s: %w", subscriptionID, err)
	}
	g.logger.Info("canceled stripe subscription",
		provision.Field{Key: "subscription_id", Value: subscriptionID},
	)
	return subscriptionFromStripe(sub), nil
}

// ListSubscriptionsByCustomer implements billing.Gateway. Returns every
// non-canceled subscription attached to the customer.
func (g *Gateway) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*billing.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Limit = stripe.Int64(100)

	var out []*billing.Subscription
	for sub, err := range g.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions for %s: %w", customerID, err)
		}
		if sub.Status == stripe.SubscriptionStatusCanceled {
			continue
		}
		out = append(out, subscriptionFromStripe(sub))
	}
	return out, nil
}

// subscriptionFromStripe maps a Stripe subscription onto the gateway type.
// The plan label comes from subscription metadata when present, else the
// first item's price id. Period end lives on the item in v83, not the
// subscription.
func subscriptionFromStripe(sub *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Metadata != nil {
		out.Plan = sub.Metadata["plan"]
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if out.Plan == "" && item.Price != nil {
				out.Plan = item.Price.ID
			}
			if item.CurrentPeriodEnd > 0 {
				end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				if end.After(out.CurrentPeriodEnd) {
					out.CurrentPeriodEnd = end
				}
			}
		}
	}
	return out
}
