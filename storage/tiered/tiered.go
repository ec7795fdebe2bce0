// Package tiered layers a read cache over a durable entitlement store.
// Reads are served from the cache while fresh; every write goes to the
// durable tier and invalidates the cached record, so a cached record never
// hides a write.
package tiered

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

const defaultTTL = 30 * time.Second

// Cache holds recently read records. Implementations must return copies or
// otherwise guarantee callers cannot mutate cached state.
type Cache interface {
	GetRecord(userID string) (*entitlement.Record, bool)
	SetRecord(userID string, record *entitlement.Record, ttl time.Duration)
	Invalidate(userID string)
}

// Config configures the tiered store.
type Config struct {
	// Durable is the source of truth, typically Firestore or Postgres.
	Durable entitlement.Store

	// Cache is the read cache. Defaults to an in-process TTL cache.
	Cache Cache

	// TTL bounds how long a cached record may be served without a re-read.
	// Defaults to 30s.
	TTL time.Duration
}

// Store is an entitlement.Store that serves repeated reads from a cache.
// Webhook processing reads the record several times per event; the cache
// absorbs those without weakening the durable tier's write semantics.
type Store struct {
	durable entitlement.Store
	cache   Cache
	ttl     time.Duration
}

func New(config Config) (*Store, error) {
	if config.Durable == nil {
		return nil, errors.New("tiered store: durable tier is required")
	}
	if config.Cache == nil {
		config.Cache = NewMemoryCache()
	}
	if config.TTL <= 0 {
		config.TTL = defaultTTL
	}
	return &Store{durable: config.Durable, cache: config.Cache, ttl: config.TTL}, nil
}

func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	if record, ok := s.cache.GetRecord(userID); ok {
		return record, nil
	}
	record, err := s.durable.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache.SetRecord(userID, record, s.ttl)
	return record, nil
}

func (s *Store) Merge(ctx context.Context, userID string, fields map[string]interface{}) error {
	if err := s.durable.Merge(ctx, userID, fields); err != nil {
		return err
	}
	s.cache.Invalidate(userID)
	return nil
}

func (s *Store) AppendTransaction(ctx context.Context, userID string, tx entitlement.Transaction) error {
	if err := s.durable.AppendTransaction(ctx, userID, tx); err != nil {
		return err
	}
	s.cache.Invalidate(userID)
	return nil
}

func (s *Store) AddPurchasedCredits(ctx context.Context, userID string, amount int, tx entitlement.Transaction) error {
	if err := s.durable.AddPurchasedCredits(ctx, userID, amount, tx); err != nil {
		return err
	}
	s.cache.Invalidate(userID)
	return nil
}

// MemoryCache is an in-process TTL record cache. Expired entries are
// removed lazily on access.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	record    *entitlement.Record
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry)}
}

func (c *MemoryCache) GetRecord(userID string) (*entitlement.Record, bool) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.Invalidate(userID)
		return nil, false
	}
	return copyRecord(entry.record), true
}

func (c *MemoryCache) SetRecord(userID string, record *entitlement.Record, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{record: copyRecord(record), expiresAt: time.Now().Add(ttl)}
}

func (c *MemoryCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func copyRecord(record *entitlement.Record) *entitlement.Record {
	clone := *record
	if record.SubscriptionPeriodEnd != nil {
		t := *record.SubscriptionPeriodEnd
		clone.SubscriptionPeriodEnd = &t
	}
	if record.LastPaymentFailedAt != nil {
		t := *record.LastPaymentFailedAt
		clone.LastPaymentFailedAt = &t
	}
	if len(record.Transactions) > 0 {
		clone.Transactions = append([]entitlement.Transaction(nil), record.Transactions...)
	}
	return &clone
}
