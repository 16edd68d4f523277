// Package presence tracks which users are currently online, backed by
// Redis. Presence records are simple key-value pairs with TTL-based
// expiry:
//
//	Key:   presence:<user-id>
//	Value: "online"
//	TTL:   presence lifetime, refreshed by the connection heartbeat
//
// A missing or expired key means the user is offline. Crashed server
// instances therefore never leave users stuck online.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Moon-Spirit/Yueling/internal/protocol"
)

const (
	// Prefix is the Redis key prefix for presence records.
	Prefix = "presence:"

	// TTL is how long a presence record lives without a refresh.
	// Connection heartbeats refresh well inside this window.
	TTL = 90 * time.Second
)

// Tracker manages presence records in Redis.
type Tracker struct {
	client *redis.Client
}

// NewTracker creates a presence tracker using the given Redis client.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

// SetOnline marks a user online. Called on connect and on every
// heartbeat to keep the record alive.
func (t *Tracker) SetOnline(ctx context.Context, userID string) error {
	err := t.client.Set(ctx, Prefix+userID, protocol.StatusOnline, TTL).Err()
	if err != nil {
		return fmt.Errorf("presence: set online: %w", err)
	}
	return nil
}

// SetOffline removes a user's presence record immediately. Called on
// clean disconnect; unclean disconnects fall back to TTL expiry.
func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	if err := t.client.Del(ctx, Prefix+userID).Err(); err != nil {
		return fmt.Errorf("presence: set offline: %w", err)
	}
	return nil
}

// IsOnline reports whether a single user has a live presence record.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.Exists(ctx, Prefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: is online: %w", err)
	}
	return n > 0, nil
}

// Statuses resolves presence for a batch of users in one round trip.
// Users without a record are reported offline.
func (t *Tracker) Statuses(ctx context.Context, userIDs []string) (map[string]string, error) {
	statuses := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return statuses, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = Prefix + id
	}

	vals, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: statuses: %w", err)
	}

	for i, id := range userIDs {
		if vals[i] == nil {
			statuses[id] = protocol.StatusOffline
		} else {
			statuses[id] = protocol.StatusOnline
		}
	}
	return statuses, nil
}
