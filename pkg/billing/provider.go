package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface a payment backend must implement.
// The webhook handler owns event verification and decoding; reconciliation
// itself lives in the entitlement package.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time
	// payment events. The implementation handles signature verification,
	// decoding, and dispatch internally.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's entitlement state
	// from the provider's authoritative billing records. Used for
	// "restore purchases" and nightly reconciliation jobs.
	// Returns the detected tier and any error.
	SyncUser(ctx context.Context, userID string) (string, error)
}

// EventDeduper reports whether a provider event id was already processed.
// Dedup is log-level only: reconciliation routines are idempotent without it,
// the deduper exists so redeliveries show up in observability.
type EventDeduper interface {
	SeenEvent(ctx context.Context, eventID string) (bool, error)
}
