// Package cache is the adapter between the sync core and the Redis-protocol
// key-value store that mirrors chat state.
//
// Graceful degradation is the contract: every operation returns its empty
// value ((nil, false), false, nil slice) on any transport error instead of
// propagating it. The mirror is advisory — the durable system of record is
// consulted by callers on a miss — so a degraded cache must never fail a
// user-visible operation.
//
// Two backends are available:
//   - RedisStore  — Redis-backed, recommended for multi-replica deployments.
//   - MemoryStore — in-process TTL store, zero external dependencies.
//     Ideal for single-instance deployments or local development.
//
// Both implement the Store interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"
)

// Store is the key-value contract the chat-state components are written
// against. Boolean returns mean "the operation was verified against the
// store": a false from Set is a degraded cache, not a user-facing failure.
type Store interface {
	// Get returns the raw value for key, or (nil, false) on a miss or error.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	// Delete removes key. Deleting an absent key is success.
	Delete(ctx context.Context, key string) bool

	// KeysByPattern returns all keys matching a glob pattern, nil on error.
	KeysByPattern(ctx context.Context, pattern string) []string
	// Clear bulk-deletes every key starting with prefix. An empty match set
	// is an idempotent no-op and reports success.
	Clear(ctx context.Context, prefix string) bool

	// Hash operations, used by the stats and delivery trackers.
	HIncrBy(ctx context.Context, key, field string, delta int64) bool
	HSet(ctx context.Context, key, field, value string) bool
	HDel(ctx context.Context, key string, fields ...string) bool
	HGetAll(ctx context.Context, key string) (map[string]string, bool)

	// Scalar counters. GetInt returns (0, false) on miss or error — callers
	// must treat that zero as "unknown", not a verified count.
	IncrBy(ctx context.Context, key string, delta int64) bool
	SetInt(ctx context.Context, key string, value int64, ttl time.Duration) bool
	GetInt(ctx context.Context, key string) (int64, bool)

	// Set-membership operations, used by the per-user chat index.
	SAdd(ctx context.Context, key string, members ...string) bool
	SRem(ctx context.Context, key string, members ...string) bool
	SMembers(ctx context.Context, key string) []string

	// LPushCapped prepends value to the list at key, removing any existing
	// occurrence first and truncating the list to max entries. Implements
	// the fixed-size most-recently-used window in one round trip.
	LPushCapped(ctx context.Context, key, value string, max int64, ttl time.Duration) bool
	// LRange returns the full list at key, most recent first.
	LRange(ctx context.Context, key string) []string

	// Expire refreshes the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) bool

	// Ping verifies connectivity. Unlike the data operations it returns the
	// underlying error so health probes can report it.
	Ping(ctx context.Context) error

	Close() error
}

// OpObserver receives one callback per store operation for metrics wiring.
// result is one of "ok", "miss", "error".
type OpObserver func(op, result string)
