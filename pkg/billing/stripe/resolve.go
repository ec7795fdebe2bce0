package stripe

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/rosterhq/integrations/pkg/billing"
	"github.com/rosterhq/integrations/pkg/entitlement"
)

// invoiceData is the slice of an invoice payload reconciliation needs.
// Invoices are decoded by hand because the subscription reference moved
// between API versions: older payloads carry a top-level "subscription"
// (string or object), newer ones nest it under parent.subscription_details.
type invoiceData struct {
	SubscriptionID string
	UserID         string
	BillingReason  string
	PeriodEnd      *time.Time
}

func decodeInvoice(event *stripe.Event) (*invoiceData, error) {
	var raw struct {
		BillingReason string          `json:"billing_reason"`
		Subscription  json.RawMessage `json:"subscription"`
		Parent        struct {
			SubscriptionDetails struct {
				Subscription string            `json:"subscription"`
				Metadata     map[string]string `json:"metadata"`
			} `json:"subscription_details"`
		} `json:"parent"`
		SubscriptionDetails struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"subscription_details"`
		Lines struct {
			Data []struct {
				Period struct {
					End int64 `json:"end"`
				} `json:"period"`
			} `json:"data"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
		return nil, err
	}

	inv := &invoiceData{BillingReason: raw.BillingReason}

	if len(raw.Subscription) > 0 {
		var subID string
		if err := json.Unmarshal(raw.Subscription, &subID); err == nil {
			inv.SubscriptionID = subID
		} else {
			var subObj struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw.Subscription, &subObj); err == nil {
				inv.SubscriptionID = subObj.ID
			}
		}
	}
	if inv.SubscriptionID == "" {
		inv.SubscriptionID = raw.Parent.SubscriptionDetails.Subscription
	}

	inv.UserID = raw.Parent.SubscriptionDetails.Metadata[metadataUserID]
	if inv.UserID == "" {
		inv.UserID = raw.SubscriptionDetails.Metadata[metadataUserID]
	}

	if len(raw.Lines.Data) > 0 && raw.Lines.Data[0].Period.End > 0 {
		end := time.Unix(raw.Lines.Data[0].Period.End, 0).UTC()
		inv.PeriodEnd = &end
	}

	return inv, nil
}

// fetchSubscription retrieves a subscription with its price's product
// expanded so plan resolution rarely needs a second round trip.
func (p *Provider) fetchSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	params := &stripe.SubscriptionRetrieveParams{}
	params.AddExpand("items.data.price.product")
	return p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, params)
}

// patchSubscriptionUserID writes the user id into subscription metadata when
// it is missing, so later invoice and subscription events resolve the user
// without a customer lookup. Failures are logged and ignored.
func (p *Provider) patchSubscriptionUserID(ctx context.Context, sub *stripe.Subscription, userID string) {
	if sub == nil || userID == "" || userID == entitlement.AnonymousUserID {
		return
	}
	if sub.Metadata[metadataUserID] == userID {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	params := &stripe.SubscriptionUpdateParams{}
	params.AddMetadata(metadataUserID, userID)
	if _, err := p.stripeClient.V1Subscriptions.Update(ctx, sub.ID, params); err != nil {
		p.logger.Warn("failed to patch subscription metadata",
			entitlement.Field{Key: "subscriptionId", Value: sub.ID},
			entitlement.Field{Key: "error", Value: err.Error()})
	}
}

// extractUserID resolves the owning user of a subscription: subscription
// metadata first, then the customer's metadata. Empty means unresolvable
// and the reconciler skips the event.
func (p *Provider) extractUserID(ctx context.Context, sub *stripe.Subscription) string {
	if sub == nil {
		return ""
	}
	if id := sub.Metadata[metadataUserID]; id != "" {
		return id
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return ""
	}
	if id := sub.Customer.Metadata[metadataUserID]; id != "" {
		return id
	}

	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	customer, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
	if err != nil {
		p.logger.Warn("customer lookup failed",
			entitlement.Field{Key: "customerId", Value: sub.Customer.ID},
			entitlement.Field{Key: "error", Value: err.Error()})
		return ""
	}
	return customer.Metadata[metadataUserID]
}

// subscriptionUserID resolves a user id starting from only a subscription id.
func (p *Provider) subscriptionUserID(ctx context.Context, subscriptionID string) string {
	sub, err := p.fetchSubscription(ctx, subscriptionID)
	if err != nil {
		p.logger.Warn("subscription lookup failed",
			entitlement.Field{Key: "subscriptionId", Value: subscriptionID},
			entitlement.Field{Key: "error", Value: err.Error()})
		return ""
	}
	return p.extractUserID(ctx, sub)
}

// resolveSubscriptionPlan maps a subscription's current price onto a plan.
// It prefers data embedded in the event and falls back to fetching the price
// with its product expanded. A nil result keeps the stored plan.
func (p *Provider) resolveSubscriptionPlan(ctx context.Context, sub *stripe.Subscription) *entitlement.Plan {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	price := sub.Items.Data[0].Price
	if price == nil {
		return nil
	}

	if plan, ok := p.planFromPrice(price); ok {
		return &plan
	}

	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	params := &stripe.PriceRetrieveParams{}
	params.AddExpand("product")
	fetched, err := p.stripeClient.V1Prices.Retrieve(ctx, price.ID, params)
	if err != nil {
		p.logger.Warn("price lookup failed",
			entitlement.Field{Key: "priceId", Value: price.ID},
			entitlement.Field{Key: "error", Value: err.Error()})
		return nil
	}
	if plan, ok := p.planFromPrice(fetched); ok {
		return &plan
	}

	p.logger.Warn("unable to resolve plan for price",
		entitlement.Field{Key: "priceId", Value: price.ID})
	return nil
}

// planFromPrice resolves a plan from a price object: configured price id
// table, then price metadata, then product metadata, then the amount table.
func (p *Provider) planFromPrice(price *stripe.Price) (entitlement.Plan, bool) {
	if price == nil {
		return entitlement.Plan{}, false
	}

	if plan, ok := p.plans.ByPriceID(price.ID); ok {
		return plan, true
	}

	cycle := cycleHint(price)
	if tier := price.Metadata[metadataTier]; tier != "" {
		if plan, ok := p.plans.ByMetadata(tier, cycle); ok {
			return plan, true
		}
	}
	if price.Product != nil {
		if tier := price.Product.Metadata[metadataTier]; tier != "" {
			if plan, ok := p.plans.ByMetadata(tier, cycle); ok {
				return plan, true
			}
		}
	}

	if price.UnitAmount > 0 {
		if plan, ok := p.plans.ByAmount(price.UnitAmount); ok {
			return plan, true
		}
	}

	return entitlement.Plan{}, false
}

// cycleHint derives the billing cycle from the price's recurrence, falling
// back to explicit metadata for one-off prices tagged with a cycle.
func cycleHint(price *stripe.Price) string {
	if price.Recurring != nil {
		if price.Recurring.Interval == stripe.PriceRecurringIntervalYear {
			return string(entitlement.CycleAnnual)
		}
		return string(entitlement.CycleMonthly)
	}
	return price.Metadata[metadataBillingCycle]
}

// subscriptionPeriodEnd reads the current period end from the first
// subscription item.
func subscriptionPeriodEnd(sub *stripe.Subscription) *time.Time {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	if sub.Items.Data[0].CurrentPeriodEnd <= 0 {
		return nil
	}
	end := time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0).UTC()
	return &end
}

// lineItemPurchase recovers the purchase type and credit amount of a
// payment-mode checkout from its line items when session metadata is bare.
func (p *Provider) lineItemPurchase(ctx context.Context, sessionID string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	params := &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	}

	purchaseType := ""
	credits := 0
	for item, err := range p.stripeClient.V1CheckoutSessions.ListLineItems(ctx, params) {
		if err != nil {
			return purchaseType, credits, err
		}
		if item.Price == nil {
			continue
		}
		if purchaseType == "" {
			purchaseType = item.Price.Metadata[metadataPurchaseType]
		}
		perUnit := parseCredits(item.Price.Metadata[metadataCredits])
		qty := int(item.Quantity)
		if qty <= 0 {
			qty = 1
		}
		credits += perUnit * qty
	}
	return purchaseType, credits, nil
}

func parseCredits(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func billingEvent(event *stripe.Event) billing.WebhookEvent {
	return billing.WebhookEvent{
		Provider:       providerName,
		EventID:        event.ID,
		EventType:      string(event.Type),
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
	}
}
