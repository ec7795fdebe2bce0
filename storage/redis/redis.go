// Package redis provides a Redis-backed duplicate-event tracker for webhook
// processing. Tracking is advisory: the reconciler is idempotent either way,
// the tracker only lets handlers flag exact redeliveries in logs and metrics.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventTracker records provider event ids with a TTL.
type EventTracker struct {
	client redis.UniversalClient
	config Config
}

// Config holds event tracker configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "webhook:event:")
	KeyPrefix string

	// TTL is how long an event id stays marked as seen (default: 72h,
	// comfortably past the provider's retry window).
	TTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "webhook:event:",
		TTL:       72 * time.Hour,
	}
}

// New creates a new event tracker.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*EventTracker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "webhook:event:"
	}
	if config.TTL == 0 {
		config.TTL = 72 * time.Hour
	}
	return &EventTracker{client: client, config: config}, nil
}

// SeenEvent atomically marks eventID as seen and reports whether it had been
// seen before.
func (t *EventTracker) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	set, err := t.client.SetNX(ctx, t.config.KeyPrefix+eventID, 1, t.config.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to track event: %w", err)
	}
	return !set, nil
}
