// Package postgres provides a PostgreSQL implementation of the
// entitlement.Store interface. Credit purchases use SQL transactions with an
// idempotency table so replayed events never credit twice.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

// Store implements entitlement.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entitlements (
			user_id                  TEXT PRIMARY KEY,
			tier                     TEXT NOT NULL DEFAULT 'free',
			billing_cycle            TEXT NOT NULL DEFAULT 'monthly',
			review_credits           INT  NOT NULL DEFAULT 0,
			review_credits_used      INT  NOT NULL DEFAULT 0,
			purchased_credits        INT  NOT NULL DEFAULT 0,
			subscription_status      TEXT NOT NULL DEFAULT '',
			cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
			subscription_period_end  TIMESTAMPTZ,
			external_customer_id     TEXT NOT NULL DEFAULT '',
			external_subscription_id TEXT NOT NULL DEFAULT '',
			last_payment_failed_at   TIMESTAMPTZ,
			last_transaction         TEXT NOT NULL DEFAULT '',
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS entitlement_transactions (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			event_id    TEXT NOT NULL DEFAULT '',
			type        TEXT NOT NULL,
			tier        TEXT NOT NULL DEFAULT '',
			cycle       TEXT NOT NULL DEFAULT '',
			old_credits INT  NOT NULL DEFAULT 0,
			new_credits INT  NOT NULL DEFAULT 0,
			quantity    INT  NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entitlement_transactions_user
			ON entitlement_transactions (user_id, created_at);

		CREATE TABLE IF NOT EXISTS credit_purchases (
			event_id   TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			amount     INT  NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// columnFor maps entitlement field names to table columns.
var columnFor = map[string]string{
	entitlement.FieldTier:                   "tier",
	entitlement.FieldBillingCycle:           "billing_cycle",
	entitlement.FieldReviewCredits:          "review_credits",
	entitlement.FieldReviewCreditsUsed:      "review_credits_used",
	entitlement.FieldPurchasedCredits:       "purchased_credits",
	entitlement.FieldSubscriptionStatus:     "subscription_status",
	entitlement.FieldCancelAtPeriodEnd:      "cancel_at_period_end",
	entitlement.FieldSubscriptionPeriodEnd:  "subscription_period_end",
	entitlement.FieldExternalCustomerID:     "external_customer_id",
	entitlement.FieldExternalSubscriptionID: "external_subscription_id",
	entitlement.FieldLastPaymentFailedAt:    "last_payment_failed_at",
	entitlement.FieldLastTransaction:        "last_transaction",
	entitlement.FieldUpdatedAt:              "updated_at",
}

// Get implements entitlement.Store.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	rec := &entitlement.Record{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT tier, billing_cycle, review_credits, review_credits_used,
		       purchased_credits, subscription_status, cancel_at_period_end,
		       subscription_period_end, external_customer_id,
		       external_subscription_id, last_payment_failed_at,
		       last_transaction, updated_at
		FROM entitlements WHERE user_id = $1
	`, userID).Scan(
		&rec.Tier, &rec.BillingCycle, &rec.ReviewCredits, &rec.ReviewCreditsUsed,
		&rec.PurchasedCredits, &rec.SubscriptionStatus, &rec.CancelAtPeriodEnd,
		&rec.SubscriptionPeriodEnd, &rec.ExternalCustomerID,
		&rec.ExternalSubscriptionID, &rec.LastPaymentFailedAt,
		&rec.LastTransaction, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: get record: %v", entitlement.ErrStoreUnavailable, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, type, tier, cycle, old_credits, new_credits,
		       quantity, created_at
		FROM entitlement_transactions
		WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tx entitlement.Transaction
		if err := rows.Scan(&tx.ID, &tx.EventID, &tx.Type, &tx.Tier, &tx.Cycle,
			&tx.OldCredits, &tx.NewCredits, &tx.Quantity, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		rec.Transactions = append(rec.Transactions, tx)
	}
	return rec, rows.Err()
}

// Merge implements entitlement.Store using an upsert limited to the given
// fields; untouched columns keep their current values.
func (s *Store) Merge(ctx context.Context, userID string, fields map[string]interface{}) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if len(fields) == 0 {
		return nil
	}

	cols := []string{"user_id"}
	args := []interface{}{userID}
	for key, value := range fields {
		col, ok := columnFor[key]
		if !ok {
			return fmt.Errorf("unknown record field %q", key)
		}
		cols = append(cols, col)
		args = append(args, value)
	}

	insert := "INSERT INTO entitlements ("
	values := " VALUES ("
	update := " ON CONFLICT (user_id) DO UPDATE SET "
	for i, col := range cols {
		if i > 0 {
			insert += ", "
			values += ", "
		}
		insert += col
		values += fmt.Sprintf("$%d", i+1)
		if i > 0 {
			if i > 1 {
				update += ", "
			}
			update += fmt.Sprintf("%s = EXCLUDED.%s", col, col)
		}
	}
	query := insert + ")" + values + ")" + update

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to merge record: %w", err)
	}
	return nil
}

// AppendTransaction implements entitlement.Store.
func (s *Store) AppendTransaction(ctx context.Context, userID string, tx entitlement.Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entitlements (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to ensure record: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO entitlement_transactions
			(id, user_id, event_id, type, tier, cycle, old_credits,
			 new_credits, quantity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tx.ID, userID, tx.EventID, tx.Type, string(tx.Tier), string(tx.Cycle),
		tx.OldCredits, tx.NewCredits, tx.Quantity, tx.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// AddPurchasedCredits implements entitlement.Store. The idempotency insert
// and the additive update share one SQL transaction, so a replayed event id
// is a no-op and concurrent purchases serialize on the row.
func (s *Store) AddPurchasedCredits(ctx context.Context, userID string, amount int, tx entitlement.Transaction) error {
	if amount < 0 {
		return entitlement.ErrInvalidAmount
	}

	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if tx.EventID != "" {
		tag, err := dbtx.Exec(ctx, `
			INSERT INTO credit_purchases (event_id, user_id, amount)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING
		`, tx.EventID, userID, amount)
		if err != nil {
			return fmt.Errorf("failed to record purchase: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return dbtx.Commit(ctx) // already credited
		}
	}

	_, err = dbtx.Exec(ctx, `
		INSERT INTO entitlements (user_id, purchased_credits, last_transaction, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			purchased_credits = entitlements.purchased_credits + EXCLUDED.purchased_credits,
			last_transaction  = EXCLUDED.last_transaction,
			updated_at        = NOW()
	`, userID, amount, tx.EventID)
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}

	_, err = dbtx.Exec(ctx, `
		INSERT INTO entitlement_transactions
			(id, user_id, event_id, type, tier, cycle, old_credits,
			 new_credits, quantity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tx.ID, userID, tx.EventID, tx.Type, string(tx.Tier), string(tx.Cycle),
		tx.OldCredits, tx.NewCredits, tx.Quantity, tx.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	return dbtx.Commit(ctx)
}
