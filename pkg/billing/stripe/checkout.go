package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v83"

	"github.com/rosterhq/integrations/pkg/billing"
	"github.com/rosterhq/integrations/pkg/entitlement"
)

// CheckoutParams describes a subscription checkout for a user.
type CheckoutParams struct {
	UserID        string
	CustomerEmail string
	PriceID       string
	SuccessURL    string
	CancelURL     string
}

// PaymentParams describes a one-time purchase checkout. Credits is the pack
// size for credit packs and ignored for consultations.
type PaymentParams struct {
	UserID       string
	PriceID      string
	Quantity     int64
	PurchaseType string
	Credits      int
	SuccessURL   string
	CancelURL    string
}

// CheckoutURL creates a subscription checkout session and returns its URL.
// The user id is stamped on both the session and the resulting subscription
// so webhook events resolve the user without extra lookups.
func (p *Provider) CheckoutURL(ctx context.Context, params CheckoutParams) (string, error) {
	if params.UserID == "" || params.PriceID == "" {
		return "", errors.New("user id and price id are required")
	}
	// Subscription checkouts must resolve to a known plan or the webhook
	// handler would later store a record without credits.
	if p.plans != nil && p.plans.KnowsPrices() {
		if _, ok := p.plans.ByPriceID(params.PriceID); !ok {
			return "", billing.ErrPlanNotConfigured
		}
	}

	create := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.UserID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{metadataUserID: params.UserID},
		},
	}
	create.AddMetadata(metadataUserID, params.UserID)
	if params.CustomerEmail != "" {
		create.CustomerEmail = stripe.String(params.CustomerEmail)
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, create)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "checkout_session_create", "error")
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "checkout_session_create", "success")
	return session.URL, nil
}

// PaymentURL creates a payment-mode checkout session for a credit pack or
// consultation and returns its URL.
func (p *Provider) PaymentURL(ctx context.Context, params PaymentParams) (string, error) {
	if params.UserID == "" || params.PriceID == "" {
		return "", errors.New("user id and price id are required")
	}
	if params.PurchaseType != purchaseTypeCreditPack && params.PurchaseType != purchaseTypeConsultation {
		return "", fmt.Errorf("unknown purchase type %q", params.PurchaseType)
	}

	qty := params.Quantity
	if qty <= 0 {
		qty = 1
	}

	create := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.UserID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(qty),
			},
		},
	}
	create.AddMetadata(metadataUserID, params.UserID)
	create.AddMetadata(metadataPurchaseType, params.PurchaseType)
	if params.PurchaseType == purchaseTypeCreditPack && params.Credits > 0 {
		create.AddMetadata(metadataCredits, strconv.Itoa(params.Credits))
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, create)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "checkout_session_create", "error")
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "checkout_session_create", "success")
	return session.URL, nil
}

// PortalURL creates a billing portal session for a user and returns its URL.
// The customer is resolved from the entitlement record first, then by
// searching customers tagged with the user id.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	if userID == "" || userID == entitlement.AnonymousUserID {
		return "", entitlement.ErrUnresolvableUser
	}

	customerID := ""
	if p.customerIDResolver != nil {
		id, err := p.customerIDResolver(ctx, userID)
		if err != nil {
			p.logger.Warn("customer id resolver failed, falling back to search",
				entitlement.Field{Key: "userId", Value: userID},
				entitlement.Field{Key: "error", Value: err.Error()})
		} else {
			customerID = id
		}
	}
	if customerID == "" {
		var err error
		customerID, err = p.searchCustomerByMetadata(ctx, userID)
		if errors.Is(err, billing.ErrUserNotFound) {
			return "", billing.ErrCustomerNotFound
		}
		if err != nil {
			return "", err
		}
	}

	create := &stripe.BillingPortalSessionCreateParams{
		Customer: stripe.String(customerID),
	}
	if returnURL != "" {
		create.ReturnURL = stripe.String(returnURL)
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, create)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "billing_portal_create", "error")
		return "", fmt.Errorf("failed to create billing portal session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "billing_portal_create", "success")
	return session.URL, nil
}
