package entitlement

import "context"

// Record field names shared by every Store implementation. Merge writes are
// keyed by these so that concurrent writers touching disjoint fields compose.
const (
	FieldTier                   = "tier"
	FieldBillingCycle           = "billingCycle"
	FieldReviewCredits          = "reviewCredits"
	FieldReviewCreditsUsed      = "reviewCreditsUsed"
	FieldPurchasedCredits       = "purchasedCredits"
	FieldSubscriptionStatus     = "subscriptionStatus"
	FieldCancelAtPeriodEnd      = "cancelAtPeriodEnd"
	FieldSubscriptionPeriodEnd  = "subscriptionPeriodEnd"
	FieldExternalCustomerID     = "externalCustomerId"
	FieldExternalSubscriptionID = "externalSubscriptionId"
	FieldLastPaymentFailedAt    = "lastPaymentFailedAt"
	FieldLastTransaction        = "lastTransaction"
	FieldUpdatedAt              = "updatedAt"
)

// Store is the user-entitlement datastore contract. Implementations must
// provide field-level merge semantics: a Merge never overwrites fields it was
// not given, so two writers updating disjoint field sets compose safely.
type Store interface {
	// Get returns the record for userID, or ErrRecordNotFound.
	Get(ctx context.Context, userID string) (*Record, error)

	// Merge applies a partial update to the record, creating it if absent.
	// Only the given fields are written; everything else is left untouched.
	Merge(ctx context.Context, userID string, fields map[string]interface{}) error

	// AppendTransaction appends one entry to the record's audit trail.
	// The trail is append-only; entries are never mutated or pruned.
	AppendTransaction(ctx context.Context, userID string, tx Transaction) error

	// AddPurchasedCredits atomically increments the purchased-credit balance
	// and appends the given transaction, using tx.EventID as an idempotency
	// key. A replay with the same event id is a no-op. The read-then-write
	// runs inside a datastore transaction so concurrent purchases for the
	// same user never lose an update.
	AddPurchasedCredits(ctx context.Context, userID string, amount int, tx Transaction) error
}
