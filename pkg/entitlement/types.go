package entitlement

import (
	"time"
)

// Tier is a subscription level. It determines the size of the review-credit
// grant for a billing period.
type Tier string

const (
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// BillingCycle is the payment interval. Annual cycles grant the full year's
// credits upfront (12x the monthly grant).
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// SubscriptionStatus tracks the lifecycle of the user's subscription.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCanceling SubscriptionStatus = "canceling"
	StatusCanceled  SubscriptionStatus = "canceled"
	StatusUnpaid    SubscriptionStatus = "unpaid"
)

// AnonymousUserID is the placeholder identifier used by unauthenticated
// checkout flows. Events carrying it are acknowledged but never reconciled.
const AnonymousUserID = "anonymous"

// Transaction types recorded in the audit trail.
const (
	TxSubscriptionStart = "subscription_start"
	TxRenewal           = "renewal"
	TxCreditPack        = "credit_pack"
	TxConsultation      = "consultation"
	TxPaymentFailed     = "payment_failed"
	TxCancellation      = "cancellation"
	TxCancelScheduled   = "cancel_scheduled"
	TxCancelReverted    = "cancel_reverted"
	TxPlanUpgrade       = "plan_upgrade"
	TxPlanDowngrade     = "plan_downgrade"
	TxStatusChange      = "status_change"
)

// Record is a user's stored entitlement state. One document per user, keyed
// by the user identifier. Created implicitly on the first successful checkout
// event and never hard-deleted; cancellation is a state transition.
type Record struct {
	UserID                 string             `json:"userId" firestore:"userId"`
	Tier                   Tier               `json:"tier" firestore:"tier"`
	BillingCycle           BillingCycle       `json:"billingCycle" firestore:"billingCycle"`
	ReviewCredits          int                `json:"reviewCredits" firestore:"reviewCredits"`
	ReviewCreditsUsed      int                `json:"reviewCreditsUsed" firestore:"reviewCreditsUsed"`
	PurchasedCredits       int                `json:"purchasedCredits" firestore:"purchasedCredits"`
	SubscriptionStatus     SubscriptionStatus `json:"subscriptionStatus" firestore:"subscriptionStatus"`
	CancelAtPeriodEnd      bool               `json:"cancelAtPeriodEnd" firestore:"cancelAtPeriodEnd"`
	SubscriptionPeriodEnd  *time.Time         `json:"subscriptionPeriodEnd,omitempty" firestore:"subscriptionPeriodEnd,omitempty"`
	ExternalCustomerID     string             `json:"externalCustomerId,omitempty" firestore:"externalCustomerId,omitempty"`
	ExternalSubscriptionID string             `json:"externalSubscriptionId,omitempty" firestore:"externalSubscriptionId,omitempty"`
	LastPaymentFailedAt    *time.Time         `json:"lastPaymentFailedAt,omitempty" firestore:"lastPaymentFailedAt,omitempty"`
	LastTransaction        string             `json:"lastTransaction,omitempty" firestore:"lastTransaction,omitempty"`
	UpdatedAt              time.Time          `json:"updatedAt" firestore:"updatedAt"`

	// Transactions is the append-only audit trail. Never mutated or pruned.
	Transactions []Transaction `json:"transactions,omitempty" firestore:"transactions,omitempty"`
}

// Transaction is one immutable audit-trail entry. Every state transition
// appends exactly one.
type Transaction struct {
	ID         string       `json:"id" firestore:"id"`
	EventID    string       `json:"eventId,omitempty" firestore:"eventId,omitempty"`
	Type       string       `json:"type" firestore:"type"`
	Tier       Tier         `json:"tier,omitempty" firestore:"tier,omitempty"`
	Cycle      BillingCycle `json:"cycle,omitempty" firestore:"cycle,omitempty"`
	OldCredits int          `json:"oldCredits" firestore:"oldCredits"`
	NewCredits int          `json:"newCredits" firestore:"newCredits"`
	Quantity   int          `json:"quantity,omitempty" firestore:"quantity,omitempty"`
	Timestamp  time.Time    `json:"timestamp" firestore:"timestamp"`
}

// ValidTier reports whether t is one of the known tiers.
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierStarter, TierPro, TierBusiness:
		return true
	default:
		return false
	}
}

// ValidCycle reports whether c is a known billing cycle.
func ValidCycle(c BillingCycle) bool {
	return c == CycleMonthly || c == CycleAnnual
}
