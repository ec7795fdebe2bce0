package billing

import "time"

// WebhookEvent describes a successfully processed webhook event. It is
// handed to the optional WebhookCallback after the entitlement record has
// been updated, for product-side hooks like analytics or emails.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID is the provider's event identifier
	EventID string

	// EventType is the provider-specific event type
	// (e.g. "checkout.session.completed", "invoice.paid")
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time
}

// WebhookCallback is invoked after an event was reconciled. Failures are
// logged and never fail the webhook response.
type WebhookCallback func(event WebhookEvent)
