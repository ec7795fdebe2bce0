// Package stripe implements the billing.Provider interface for Stripe:
// webhook ingestion and verification, checkout and billing-portal session
// creation, and on-demand entitlement sync.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/rosterhq/integrations/pkg/billing"
	"github.com/rosterhq/integrations/pkg/entitlement"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
	maxWebhookBody     = 256 * 1024

	subscriptionStatusActive = "active"

	// Session metadata keys written by our checkout flows and read back by
	// the webhook handler.
	metadataUserID       = "user_id"
	metadataPurchaseType = "purchase_type"
	metadataCredits      = "credits"
	metadataTier         = "tier"
	metadataBillingCycle = "billing_cycle"

	purchaseTypeCreditPack   = "credit_pack"
	purchaseTypeConsultation = "consultation"
)

var _ billing.Provider = (*Provider)(nil)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Reconciler, Plans, WebhookSecret, ...)

	// StripeAPIKey authenticates outbound Stripe API calls.
	StripeAPIKey string

	// StripeWebhookSecret verifies inbound event signatures. Empty means
	// degraded mode: payloads are decoded unverified and a warning logged.
	StripeWebhookSecret string

	// CustomerIDResolver, if provided, maps a user id to its Stripe
	// customer id in O(1). If nil, the slow Stripe Search API is used.
	CustomerIDResolver func(context.Context, string) (string, error)

	// Callback, if provided, runs after each successfully reconciled event.
	Callback billing.WebhookCallback
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	reconciler         *entitlement.Reconciler
	plans              *entitlement.PlanTable
	webhookSecret      []byte
	apiKey             string
	stripeClient       *stripe.Client
	httpClient         *http.Client
	customerIDResolver func(context.Context, string) (string, error)
	callback           billing.WebhookCallback
	metrics            billing.Metrics
	logger             entitlement.Logger
	deduper            billing.EventDeduper
}

// NewProvider creates a new Stripe billing provider. All clients are
// constructed here and injected; nothing relies on package-level state.
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	stripeClient := stripe.NewClient(apiKey)

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	plans := config.Plans
	if plans == nil {
		plans = config.Reconciler.Plans()
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}

	return &Provider{
		reconciler:         config.Reconciler,
		plans:              plans,
		webhookSecret:      []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		apiKey:             apiKey,
		stripeClient:       stripeClient,
		httpClient:         httpClient,
		customerIDResolver: config.CustomerIDResolver,
		callback:           config.Callback,
		metrics:            metrics,
		logger:             logger,
		deduper:            config.Deduper,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}
