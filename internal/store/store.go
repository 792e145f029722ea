// Package store defines the narrow shared-state contract the control plane
// keeps in a Redis-protocol server: string keys, hashes, sets, sorted sets
// and pub/sub. Operations are atomic per key; multi-key work is best-effort.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the shared key-value contract. A production implementation talks
// to Redis; tests use the in-memory implementation with a virtual clock.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	ZSetAdd(ctx context.Context, key string, score float64, member string) error
	ZSetCount(ctx context.Context, key string, min, max float64) (int64, error)
	ZSetRemoveByScore(ctx context.Context, key string, min, max float64) error
	ZSetCard(ctx context.Context, key string) (int64, error)

	// SlidingWindowIncr runs the sliding-window sequence for one rate key as
	// a single pipelined batch: drop entries older than windowStart, count
	// what remains, add the new member at score now, refresh the ttl.
	// It returns the count observed before the new member was added.
	SlidingWindowIncr(ctx context.Context, key string, windowStart, now float64, member string, ttl time.Duration) (int64, error)

	Publish(ctx context.Context, channel, message string) error
	// Subscribe returns a message channel and a cancel function. Delivery is
	// best-effort; slow consumers may miss messages.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
