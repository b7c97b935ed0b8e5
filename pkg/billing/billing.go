// Package billing abstracts the external payment provider. The pipeline only
// consumes subscription status, the current period end and a plan tag, so
// the gateway surface stays deliberately small.
package billing

import (
	"context"
	"time"
)

// Subscription is the slice of the provider's subscription object the
// pipeline consumes.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	Plan              string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// Invoice is the slice of the provider's invoice object the reconciler
// consumes.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountPaid     int64
	Currency       string
	PaidAt         time.Time
}

// StatusCanceled is the provider status of a canceled subscription.
const StatusCanceled = "canceled"

// Gateway is the black-box billing collaborator.
type Gateway interface {
	// RetrieveSubscription fetches the authoritative subscription object.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CancelSubscription cancels the subscription and returns the resulting
	// object.
	CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ListSubscriptionsByCustomer returns all subscriptions for a customer.
	ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*Subscription, error)
}
