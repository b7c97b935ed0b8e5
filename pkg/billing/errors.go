package billing

import "errors"

var (
	// ErrGatewayNotConfigured is returned when a gateway is constructed
	// without credentials
	ErrGatewayNotConfigured = errors.New("billing gateway not configured")

	// ErrSubscriptionNotFound is returned when the provider has no
	// subscription for the given id
	ErrSubscriptionNotFound = errors.New("subscription not found at billing provider")

	// ErrInvalidWebhookSignature is returned when webhook signature
	// validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be
	// parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")
)
