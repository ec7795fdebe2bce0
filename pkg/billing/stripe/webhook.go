package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/rosterhq/integrations/pkg/billing"
	"github.com/rosterhq/integrations/pkg/entitlement"
	"github.com/rosterhq/integrations/pkg/httpx"
)

// webhookResponse is the acknowledgment body. The event source treats any
// 2xx as delivered; Error is informational only.
type webhookResponse struct {
	Received bool   `json:"received"`
	Error    string `json:"error,omitempty"`
}

// handleWebhook processes incoming Stripe webhook events. Except for
// signature and payload failures it always acknowledges with 200 so the
// event source never retries a payload our own bug would reject forever.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := httpx.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, httpx.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			_ = httpx.WriteJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "payload too large"})
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			_ = httpx.WriteJSON(w, http.StatusBadRequest, webhookResponse{Error: "invalid payload"})
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := p.decodeEvent(body, sig)
	if err != nil {
		reason := "invalid_signature"
		if errors.Is(err, billing.ErrMalformedPayload) {
			reason = "malformed_payload"
		}
		p.metrics.RecordWebhookError(providerName, reason)
		_ = httpx.WriteJSON(w, http.StatusBadRequest, webhookResponse{Error: err.Error()})
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if p.deduper != nil {
		if seen, derr := p.deduper.SeenEvent(r.Context(), event.ID); derr != nil {
			p.logger.Warn("event dedup check failed", entitlement.Field{Key: "error", Value: derr.Error()})
		} else if seen {
			// Reconciliation is idempotent, so redeliveries are processed
			// anyway; the duplicate only needs to be visible.
			p.logger.Info("duplicate event redelivered",
				entitlement.Field{Key: "eventId", Value: event.ID},
				entitlement.Field{Key: "eventType", Value: eventType})
			p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
		}
	}

	// Routine failures are reported but never propagated: the response
	// stays 200 so an unrelated bug cannot wedge the event source's queue.
	resp := webhookResponse{Received: true}
	if err := p.processEvent(r.Context(), event); err != nil {
		p.logger.Error("event processing failed",
			entitlement.Field{Key: "eventId", Value: event.ID},
			entitlement.Field{Key: "eventType", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		resp.Error = err.Error()
	} else {
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
		if p.callback != nil {
			p.callback(billingEvent(event))
		}
	}

	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	_ = httpx.WriteJSON(w, http.StatusOK, resp)
}

// decodeEvent verifies and decodes the payload. Without a configured secret
// it decodes unverified, which is only acceptable for local development.
func (p *Provider) decodeEvent(body []byte, sig string) (*stripe.Event, error) {
	if len(p.webhookSecret) > 0 {
		event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
		if err != nil {
			return nil, billing.ErrInvalidSignature
		}
		return &event, nil
	}

	p.logger.Warn("webhook secret not configured, accepting unverified payload")
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, billing.ErrMalformedPayload
	}
	return &event, nil
}

// processEvent dispatches a decoded event to its reconciliation routine.
// Unknown event types are accepted and ignored.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event)
	case "invoice.paid", "invoice.payment_succeeded":
		return p.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "customer.subscription.updated":
		return p.handleSubscriptionUpdated(ctx, event)
	default:
		p.logger.Debug("ignoring event type",
			entitlement.Field{Key: "eventType", Value: string(event.Type)})
		return nil
	}
}

// handleCheckoutCompleted processes checkout.session.completed events.
// Subscription checkouts activate the plan; payment-mode checkouts are
// credit packs or consultations, distinguished by session metadata.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return errors.New("failed to unmarshal checkout session")
	}

	userID := session.Metadata[metadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}

	checkout := entitlement.Checkout{
		EventID: event.ID,
		UserID:  userID,
	}
	if session.Customer != nil {
		checkout.CustomerID = session.Customer.ID
	}

	if session.Mode == stripe.CheckoutSessionModePayment {
		return p.applyPaymentCheckout(ctx, &session, checkout)
	}

	checkout.Kind = entitlement.CheckoutSubscription
	if session.Subscription != nil {
		checkout.SubscriptionID = session.Subscription.ID
	}
	if checkout.SubscriptionID != "" {
		sub, err := p.fetchSubscription(ctx, checkout.SubscriptionID)
		if err != nil {
			// Best effort: the stored plan is retained and the next
			// subscription.updated event self-heals the record.
			p.logger.Warn("subscription fetch failed, reconciling without plan",
				entitlement.Field{Key: "subscriptionId", Value: checkout.SubscriptionID},
				entitlement.Field{Key: "error", Value: err.Error()})
		} else {
			p.patchSubscriptionUserID(ctx, sub, userID)
			checkout.Plan = p.resolveSubscriptionPlan(ctx, sub)
			checkout.PeriodEnd = subscriptionPeriodEnd(sub)
			if checkout.CustomerID == "" && sub.Customer != nil {
				checkout.CustomerID = sub.Customer.ID
			}
		}
	}

	previousTier := p.currentTier(ctx, userID)
	if err := p.reconciler.ApplyCheckoutCompleted(ctx, checkout); err != nil {
		return err
	}
	if checkout.Plan != nil {
		p.recordTierChange(previousTier, string(checkout.Plan.Tier))
	}
	return nil
}

// applyPaymentCheckout handles one-time payment checkouts. The purchase type
// and pack size come from session metadata; when absent they are recovered
// from the session's line items.
func (p *Provider) applyPaymentCheckout(ctx context.Context, session *stripe.CheckoutSession, checkout entitlement.Checkout) error {
	purchaseType := session.Metadata[metadataPurchaseType]
	credits := parseCredits(session.Metadata[metadataCredits])

	if purchaseType == "" || (purchaseType == purchaseTypeCreditPack && credits == 0) {
		liType, liCredits, err := p.lineItemPurchase(ctx, session.ID)
		if err != nil {
			p.logger.Warn("line item lookup failed",
				entitlement.Field{Key: "sessionId", Value: session.ID},
				entitlement.Field{Key: "error", Value: err.Error()})
		}
		if purchaseType == "" {
			purchaseType = liType
		}
		if credits == 0 {
			credits = liCredits
		}
	}

	switch purchaseType {
	case purchaseTypeConsultation:
		checkout.Kind = entitlement.CheckoutConsultation
	case purchaseTypeCreditPack:
		checkout.Kind = entitlement.CheckoutCreditPack
		checkout.Credits = credits
	default:
		p.logger.Debug("payment checkout without purchase type, ignoring",
			entitlement.Field{Key: "sessionId", Value: session.ID})
		return nil
	}

	return p.reconciler.ApplyCheckoutCompleted(ctx, checkout)
}

// handleInvoicePaid processes invoice.paid / invoice.payment_succeeded.
// The initial invoice of a new subscription is skipped; renewals re-grant
// from the currently stored plan.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	inv, err := decodeInvoice(event)
	if err != nil {
		return err
	}
	if inv.SubscriptionID == "" {
		// Not a subscription invoice (e.g. a one-off item) - ignore.
		return nil
	}

	userID := inv.UserID
	if userID == "" {
		userID = p.subscriptionUserID(ctx, inv.SubscriptionID)
	}

	return p.reconciler.ApplyInvoicePaid(ctx, entitlement.Renewal{
		EventID:        event.ID,
		UserID:         userID,
		SubscriptionID: inv.SubscriptionID,
		BillingReason:  inv.BillingReason,
		PeriodEnd:      inv.PeriodEnd,
	})
}

// handleInvoicePaymentFailed processes invoice.payment_failed events.
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	inv, err := decodeInvoice(event)
	if err != nil {
		return err
	}
	if inv.SubscriptionID == "" {
		return nil
	}

	userID := inv.UserID
	if userID == "" {
		userID = p.subscriptionUserID(ctx, inv.SubscriptionID)
	}

	return p.reconciler.ApplyPaymentFailed(ctx, entitlement.PaymentFailure{
		EventID:        event.ID,
		UserID:         userID,
		SubscriptionID: inv.SubscriptionID,
		FailedAt:       time.Unix(event.Created, 0).UTC(),
	})
}

// handleSubscriptionDeleted processes terminal customer.subscription.deleted
// events.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return errors.New("failed to unmarshal subscription")
	}

	userID := p.extractUserID(ctx, &sub)
	previousTier := p.currentTier(ctx, userID)
	err := p.reconciler.ApplySubscriptionCanceled(ctx, entitlement.Cancellation{
		EventID:        event.ID,
		UserID:         userID,
		SubscriptionID: sub.ID,
	})
	if err != nil {
		return err
	}
	p.recordTierChange(previousTier, string(entitlement.TierFree))
	return nil
}

// handleSubscriptionUpdated processes customer.subscription.updated events.
// The plan is resolved from the provider's current price object rather than
// trusted from cached metadata, which can lag a customer-initiated switch.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return errors.New("failed to unmarshal subscription")
	}

	update := entitlement.SubscriptionUpdate{
		EventID:           event.ID,
		UserID:            p.extractUserID(ctx, &sub),
		SubscriptionID:    sub.ID,
		Status:            mapSubscriptionStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodEnd:         subscriptionPeriodEnd(&sub),
		Plan:              p.resolveSubscriptionPlan(ctx, &sub),
	}

	previousTier := p.currentTier(ctx, update.UserID)
	if err := p.reconciler.ApplySubscriptionUpdated(ctx, update); err != nil {
		return err
	}
	if update.Plan != nil {
		p.recordTierChange(previousTier, string(update.Plan.Tier))
	}
	return nil
}

// mapSubscriptionStatus maps Stripe subscription statuses onto the statuses
// the reconciler distinguishes. Anything else behaves like active; terminal
// cancellation arrives as its own event.
func mapSubscriptionStatus(s stripe.SubscriptionStatus) entitlement.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusPastDue:
		return entitlement.StatusPastDue
	case stripe.SubscriptionStatusUnpaid:
		return entitlement.StatusUnpaid
	default:
		return entitlement.StatusActive
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
