package billing

import (
	"net/http"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Reconciler applies decoded events to the entitlement store.
	Reconciler *entitlement.Reconciler

	// Plans resolves provider prices to tiers and billing cycles. If nil,
	// the reconciler's table is used.
	Plans *entitlement.PlanTable

	// WebhookSecret verifies incoming webhook signatures. If empty, the
	// handler decodes payloads unverified and logs a warning (dev mode).
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for provider operations.
	// If nil, metrics are silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Logger receives structured processing logs. Defaults to no-op.
	Logger entitlement.Logger

	// Deduper flags exact event redeliveries in logs. Optional.
	Deduper EventDeduper
}
