// Package firestore provides a Firestore implementation of the
// entitlement.Store interface. Firestore's field-level merge writes are what
// give the reconciler its composition guarantee: concurrent writers touching
// disjoint fields never clobber each other.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

// Store implements entitlement.Store using Google Cloud Firestore.
type Store struct {
	client              *firestore.Client
	recordsCollection   string
	purchasesCollection string
}

// Config holds Firestore store configuration.
type Config struct {
	// RecordsCollection is the collection holding entitlement records,
	// one document per user id. Default: "entitlements".
	RecordsCollection string

	// PurchasesCollection is the collection holding credit-purchase
	// idempotency records, keyed by provider event id.
	// Default: "credit_purchases".
	PurchasesCollection string
}

// New creates a new Firestore store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.RecordsCollection == "" {
		config.RecordsCollection = "entitlements"
	}
	if config.PurchasesCollection == "" {
		config.PurchasesCollection = "credit_purchases"
	}

	return &Store{
		client:              client,
		recordsCollection:   config.RecordsCollection,
		purchasesCollection: config.PurchasesCollection,
	}, nil
}

// Get implements entitlement.Store.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	doc := s.client.Collection(s.recordsCollection).Doc(userID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: get record: %v", entitlement.ErrStoreUnavailable, err)
	}
	if !snap.Exists() {
		return nil, entitlement.ErrRecordNotFound
	}

	rec := &entitlement.Record{}
	if err := snap.DataTo(rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	rec.UserID = userID
	return rec, nil
}

// Merge implements entitlement.Store. Only the given fields are written;
// firestore.MergeAll leaves everything else untouched.
func (s *Store) Merge(ctx context.Context, userID string, fields map[string]interface{}) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	doc := s.client.Collection(s.recordsCollection).Doc(userID)
	data := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	data["userId"] = userID

	if _, err := doc.Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to merge record: %w", err)
	}
	return nil
}

// AppendTransaction implements entitlement.Store using an array-union write,
// which creates the document if it does not exist yet.
func (s *Store) AppendTransaction(ctx context.Context, userID string, tx entitlement.Transaction) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	doc := s.client.Collection(s.recordsCollection).Doc(userID)
	_, err := doc.Set(ctx, map[string]interface{}{
		"transactions": firestore.ArrayUnion(transactionData(tx)),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// AddPurchasedCredits implements entitlement.Store with a transactional
// read-modify-write. The purchase idempotency document is created in the same
// transaction, so a replayed event id can never credit twice and two
// concurrent purchases can never lose an update.
func (s *Store) AddPurchasedCredits(ctx context.Context, userID string, amount int, tx entitlement.Transaction) error {
	if amount < 0 {
		return entitlement.ErrInvalidAmount
	}

	recordDoc := s.client.Collection(s.recordsCollection).Doc(userID)

	return s.client.RunTransaction(ctx, func(_ context.Context, ftx *firestore.Transaction) error {
		// 1. Idempotency check on the provider event id.
		if tx.EventID != "" {
			purchaseDoc := s.client.Collection(s.purchasesCollection).Doc(tx.EventID)
			snap, err := ftx.Get(purchaseDoc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap.Exists() {
				return nil // already credited
			}
		}

		// 2. Read current balance.
		current := 0
		snap, err := ftx.Get(recordDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			if v, ok := snap.Data()["purchasedCredits"].(int64); ok {
				current = int(v)
			}
		}

		// 3. Additive write plus audit entry.
		now := time.Now().UTC()
		err = ftx.Set(recordDoc, map[string]interface{}{
			"userId":           userID,
			"purchasedCredits": current + amount,
			"lastTransaction":  tx.EventID,
			"updatedAt":        now,
			"transactions":     firestore.ArrayUnion(transactionData(tx)),
		}, firestore.MergeAll)
		if err != nil {
			return err
		}

		// 4. Record the purchase for replay detection.
		if tx.EventID != "" {
			purchaseDoc := s.client.Collection(s.purchasesCollection).Doc(tx.EventID)
			return ftx.Create(purchaseDoc, map[string]interface{}{
				"userId":    userID,
				"amount":    amount,
				"eventId":   tx.EventID,
				"timestamp": now,
			})
		}
		return nil
	})
}

// transactionData flattens a Transaction for ArrayUnion, which requires plain
// values rather than structs with tags.
func transactionData(tx entitlement.Transaction) map[string]interface{} {
	data := map[string]interface{}{
		"id":         tx.ID,
		"type":       tx.Type,
		"oldCredits": tx.OldCredits,
		"newCredits": tx.NewCredits,
		"timestamp":  tx.Timestamp,
	}
	if tx.EventID != "" {
		data["eventId"] = tx.EventID
	}
	if tx.Tier != "" {
		data["tier"] = string(tx.Tier)
	}
	if tx.Cycle != "" {
		data["cycle"] = string(tx.Cycle)
	}
	if tx.Quantity != 0 {
		data["quantity"] = tx.Quantity
	}
	return data
}
