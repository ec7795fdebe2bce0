// Package memory provides an in-memory implementation of the
// entitlement.Store interface. This implementation is primarily intended for
// testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

// Store implements entitlement.Store using in-memory maps.
type Store struct {
	mu         sync.Mutex
	records    map[string]*entitlement.Record
	seenEvents map[string]bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records:    make(map[string]*entitlement.Record),
		seenEvents: make(map[string]bool),
	}
}

// Get implements entitlement.Store.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, entitlement.ErrRecordNotFound
	}

	// Return a copy to prevent external mutations
	cp := *rec
	cp.Transactions = append([]entitlement.Transaction(nil), rec.Transactions...)
	return &cp, nil
}

// Merge implements entitlement.Store with field-level merge semantics.
func (s *Store) Merge(ctx context.Context, userID string, fields map[string]interface{}) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateLocked(userID)
	for key, value := range fields {
		if err := applyField(rec, key, value); err != nil {
			return err
		}
	}
	return nil
}

// AppendTransaction implements entitlement.Store.
func (s *Store) AppendTransaction(ctx context.Context, userID string, tx entitlement.Transaction) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateLocked(userID)
	rec.Transactions = append(rec.Transactions, tx)
	return nil
}

// AddPurchasedCredits implements entitlement.Store. The whole read-modify-
// write runs under the store mutex, matching the transactional contract.
func (s *Store) AddPurchasedCredits(ctx context.Context, userID string, amount int, tx entitlement.Transaction) error {
	if amount < 0 {
		return entitlement.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.EventID != "" && s.seenEvents[tx.EventID] {
		return nil // idempotent replay
	}

	rec := s.getOrCreateLocked(userID)
	rec.PurchasedCredits += amount
	rec.LastTransaction = tx.EventID
	rec.UpdatedAt = time.Now().UTC()
	rec.Transactions = append(rec.Transactions, tx)

	if tx.EventID != "" {
		s.seenEvents[tx.EventID] = true
	}
	return nil
}

func (s *Store) getOrCreateLocked(userID string) *entitlement.Record {
	rec, ok := s.records[userID]
	if !ok {
		rec = &entitlement.Record{
			UserID:       userID,
			Tier:         entitlement.TierFree,
			BillingCycle: entitlement.CycleMonthly,
		}
		s.records[userID] = rec
	}
	return rec
}

//nolint:gocyclo // One case per record field
func applyField(rec *entitlement.Record, key string, value interface{}) error {
	switch key {
	case entitlement.FieldTier:
		rec.Tier = value.(entitlement.Tier)
	case entitlement.FieldBillingCycle:
		rec.BillingCycle = value.(entitlement.BillingCycle)
	case entitlement.FieldReviewCredits:
		rec.ReviewCredits = value.(int)
	case entitlement.FieldReviewCreditsUsed:
		rec.ReviewCreditsUsed = value.(int)
	case entitlement.FieldPurchasedCredits:
		rec.PurchasedCredits = value.(int)
	case entitlement.FieldSubscriptionStatus:
		rec.SubscriptionStatus = value.(entitlement.SubscriptionStatus)
	case entitlement.FieldCancelAtPeriodEnd:
		rec.CancelAtPeriodEnd = value.(bool)
	case entitlement.FieldSubscriptionPeriodEnd:
		switch v := value.(type) {
		case nil:
			rec.SubscriptionPeriodEnd = nil
		case time.Time:
			rec.SubscriptionPeriodEnd = &v
		case *time.Time:
			rec.SubscriptionPeriodEnd = v
		}
	case entitlement.FieldExternalCustomerID:
		rec.ExternalCustomerID = value.(string)
	case entitlement.FieldExternalSubscriptionID:
		rec.ExternalSubscriptionID = value.(string)
	case entitlement.FieldLastPaymentFailedAt:
		switch v := value.(type) {
		case nil:
			rec.LastPaymentFailedAt = nil
		case time.Time:
			rec.LastPaymentFailedAt = &v
		case *time.Time:
			rec.LastPaymentFailedAt = v
		}
	case entitlement.FieldLastTransaction:
		rec.LastTransaction = value.(string)
	case entitlement.FieldUpdatedAt:
		rec.UpdatedAt = value.(time.Time)
	default:
		return fmt.Errorf("unknown record field %q", key)
	}
	return nil
}
