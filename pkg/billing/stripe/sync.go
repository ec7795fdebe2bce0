package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/rosterhq/integrations/pkg/billing"
	"github.com/rosterhq/integrations/pkg/entitlement"
)

// SyncUser reconciles a user's entitlement directly from the Stripe API.
// It is the repair path for missed webhooks: the user's active subscription
// is fetched and applied as if a subscription.updated event had arrived, and
// a user with no active subscription is downgraded to the free tier. The
// resulting tier is returned.
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	if userID == "" || userID == entitlement.AnonymousUserID {
		return "", entitlement.ErrUnresolvableUser
	}
	startTime := time.Now()

	var customerID string
	var err error

	// Fast path: the app provides the mapping in O(1).
	if p.customerIDResolver != nil {
		customerID, err = p.customerIDResolver(ctx, userID)
		if err != nil {
			p.logger.Warn("customer id resolver failed, falling back to search",
				entitlement.Field{Key: "userId", Value: userID},
				entitlement.Field{Key: "error", Value: err.Error()})
			customerID = ""
		}
	}

	// Slow path: Stripe Search API, eventually consistent.
	if customerID == "" {
		p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
		customerID, err = p.searchCustomerByMetadata(ctx, userID)
		if errors.Is(err, billing.ErrUserNotFound) {
			return p.syncToFree(ctx, userID, startTime)
		}
		if err != nil {
			p.metrics.RecordUserSync(providerName, "error")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return "", err
		}
	}

	return p.syncCustomer(ctx, customerID, userID, startTime)
}

// searchCustomerByMetadata finds the customer tagged with a user id.
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// The Search API can return partial matches.
		if cust.Metadata[metadataUserID] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrUserNotFound
}

// syncCustomer applies the customer's current active subscription, preferring
// the most recently created one when several are active. Returns the tier the
// user holds after the sync.
func (p *Provider) syncCustomer(ctx context.Context, customerID, userID string, startTime time.Time) (string, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(subscriptionStatusActive)
	params.AddExpand("data.items.data.price.product")

	var current *stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			p.metrics.RecordUserSync(providerName, "error")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return "", fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if sub.Status != stripe.SubscriptionStatusActive {
			continue
		}
		if current == nil || sub.Created > current.Created {
			current = sub
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))

	if current == nil {
		return p.syncToFree(ctx, userID, startTime)
	}

	previousTier := p.currentTier(ctx, userID)

	update := entitlement.SubscriptionUpdate{
		EventID:           syncEventID(),
		UserID:            userID,
		SubscriptionID:    current.ID,
		Status:            entitlement.StatusActive,
		CancelAtPeriodEnd: current.CancelAtPeriodEnd,
		PeriodEnd:         subscriptionPeriodEnd(current),
		Plan:              p.resolveSubscriptionPlan(ctx, current),
	}

	if err := p.reconciler.ApplySubscriptionUpdated(ctx, update); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return "", err
	}

	// An unresolvable plan keeps whatever the store already holds.
	tier := previousTier
	if update.Plan != nil {
		tier = string(update.Plan.Tier)
	}
	p.recordTierChange(previousTier, tier)

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return tier, nil
}

// syncToFree downgrades a user with no active subscription to the free tier.
func (p *Provider) syncToFree(ctx context.Context, userID string, startTime time.Time) (string, error) {
	previousTier := p.currentTier(ctx, userID)

	err := p.reconciler.ApplySubscriptionCanceled(ctx, entitlement.Cancellation{
		EventID: syncEventID(),
		UserID:  userID,
	})
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return "", err
	}

	tier := string(entitlement.TierFree)
	p.recordTierChange(previousTier, tier)

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return tier, nil
}

// currentTier reads the stored tier so tier transitions can be reported.
// First-time users count as free; an unreadable store yields the empty tier
// and suppresses the transition metric.
func (p *Provider) currentTier(ctx context.Context, userID string) string {
	if userID == "" || userID == entitlement.AnonymousUserID {
		return ""
	}
	rec, err := p.reconciler.Record(ctx, userID)
	if errors.Is(err, entitlement.ErrRecordNotFound) {
		return string(entitlement.TierFree)
	}
	if err != nil {
		return ""
	}
	return string(rec.Tier)
}

// recordTierChange emits the tier transition metric when the tier actually
// moved and both sides are known.
func (p *Provider) recordTierChange(fromTier, toTier string) {
	if fromTier == "" || toTier == "" || fromTier == toTier {
		return
	}
	p.metrics.RecordTierChange(providerName, fromTier, toTier)
}

func syncEventID() string {
	return "sync_" + uuid.NewString()
}
