package api

import (
	"time"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

// UsageResponse is the complete entitlement standing for a user.
type UsageResponse struct {
	UserID                string                    `json:"user_id"`
	Tier                  entitlement.Tier          `json:"tier"`
	BillingCycle          entitlement.BillingCycle  `json:"billing_cycle"`
	Status                string                    `json:"status"` // subscription status, or "none" without a record
	Credits               CreditUsage               `json:"credits"`
	CancelAtPeriodEnd     bool                      `json:"cancel_at_period_end,omitempty"`
	SubscriptionPeriodEnd *time.Time                `json:"subscription_period_end,omitempty"`
	History               []entitlement.Transaction `json:"history,omitempty"`
}

// CreditUsage breaks the balance down by source. The subscription grant
// resets every billing period; purchased credits never expire.
type CreditUsage struct {
	Granted   int `json:"granted"`
	Used      int `json:"used"`
	Purchased int `json:"purchased"`
	Available int `json:"available"`
}

// GrantRequest is the admin credit top-up payload. EventID is the
// idempotency key; when omitted one is generated, making the grant
// single-shot.
type GrantRequest struct {
	Credits int    `json:"credits"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
